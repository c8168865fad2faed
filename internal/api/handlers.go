package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"session-sync/internal/interactions"
	"session-sync/internal/reconcile"
)

const (
	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"
	headerCronKey   = "X-Cron-Key"
)

// handleInteraction verifies and routes one webhook delivery. All
// verification failures answer an identical 401 so the failure mode does
// not leak to the sender.
func (s *Server) handleInteraction(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		s.rejectUnverified(c)
		return
	}

	sig := c.GetHeader(headerSignature)
	ts := c.GetHeader(headerTimestamp)
	if sig == "" || ts == "" || !interactions.Verify(rawBody, sig, ts, s.publicKey) {
		s.rejectUnverified(c)
		return
	}

	ic, err := interactions.DecodeInteraction(rawBody)
	if err != nil {
		s.log.Warn("interaction_decode_failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "malformed_interaction",
				"message": "body is not a valid interaction",
			},
		})
		return
	}

	resp := s.interactions.Route(c.Request.Context(), ic)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) rejectUnverified(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    "invalid_request_signature",
			"message": "request signature verification failed",
		},
	})
}

// handleCronTrigger drives a reconciliation pass from an external
// scheduler (for deployments without a persistent process). Guild-level
// errors are partial failure, not request failure.
func (s *Server) handleCronTrigger(c *gin.Context) {
	if s.cfg.CronSecret == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "config_error",
				"message": "CRON_SECRET not configured",
			},
		})
		return
	}

	key := c.GetHeader(headerCronKey)
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.CronSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"code":    "unauthorized",
				"message": "invalid cron key",
			},
		})
		return
	}

	report, err := s.scheduler.TryRun(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrRunInFlight) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "run_in_flight",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"guilds_processed": report.GuildsProcessed,
		"guilds_failed":    report.GuildsFailed,
		"events_started":   report.EventsStarted,
		"events_completed": report.EventsCompleted,
	})
}

func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()

	dbStatus := "connected"
	if s.db == nil {
		dbStatus = "not_configured"
	} else if err := s.db.Pool.Ping(ctx); err != nil {
		dbStatus = "error"
	}

	redisStatus := "connected"
	if s.redis == nil {
		redisStatus = "not_configured"
	} else if err := s.redis.Ping(ctx); err != nil {
		redisStatus = "error"
	}

	status := http.StatusOK
	if dbStatus == "error" || redisStatus == "error" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":          "ok",
		"database":        dbStatus,
		"redis":           redisStatus,
		"reconcile_runs":  s.scheduler.Runs(),
		"reconcile_skips": s.scheduler.Skips(),
	})
}

func (s *Server) listRuns(c *gin.Context) {
	if s.runStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{
				"code":    "store_unavailable",
				"message": "run history persistence is not configured",
			},
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, err := s.runStore.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("list_runs_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "query_failed",
				"message": "could not load run history",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
