package api

import (
	"crypto/ed25519"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"session-sync/internal/config"
	"session-sync/internal/db"
	"session-sync/internal/interactions"
	"session-sync/internal/reconcile"
	"session-sync/internal/redis"
)

type Server struct {
	log          *slog.Logger
	cfg          config.Config
	db           *db.DB
	redis        *redis.Client
	runStore     *db.RunStore
	publicKey    ed25519.PublicKey
	interactions *interactions.Router
	scheduler    *reconcile.Scheduler
	router       *gin.Engine
}

func NewServer(
	log *slog.Logger,
	cfg config.Config,
	dbConn *db.DB,
	redisClient *redis.Client,
	runStore *db.RunStore,
	interactionRouter *interactions.Router,
	scheduler *reconcile.Scheduler,
) *Server {
	s := &Server{
		log:          log,
		cfg:          cfg,
		db:           dbConn,
		redis:        redisClient,
		runStore:     runStore,
		publicKey:    cfg.PublicKey,
		interactions: interactionRouter,
		scheduler:    scheduler,
		router:       gin.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())

	// Webhook and cron carry their own authentication (signature, shared
	// secret); no CORS or IP rate limits that could drop platform traffic.
	r.POST("/interactions", s.handleInteraction)
	r.GET("/internal/reconcile", s.handleCronTrigger)

	v1 := r.Group("/api/v1")
	v1.Use(s.corsMiddleware())
	v1.Use(s.rateLimitMiddleware())
	{
		v1.GET("/health", s.health)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/runs", s.listRuns)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
