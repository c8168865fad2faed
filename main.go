package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-sync/internal/api"
	"session-sync/internal/config"
	"session-sync/internal/db"
	"session-sync/internal/discord"
	"session-sync/internal/interactions"
	"session-sync/internal/logging"
	"session-sync/internal/reconcile"
	"session-sync/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "session-sync", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()
	runStore := db.NewRunStore(dbConn)

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	gateway := discord.NewRESTClient(logger, cfg.BotToken)

	// command catalogue + webhook routing
	registry := interactions.NewRegistry()
	router := interactions.NewRouterWithOptions(logger, registry, interactions.RouterOptions{
		Dedupe:         redis.NewInteractionDeduper(redisClient, logger),
		HandlerTimeout: cfg.HandlerTimeout,
	})
	if err := interactions.RegisterBuiltins(registry, router, gateway, logger); err != nil {
		logger.Error("command_registration_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("command_catalogue_loaded", "commands", len(registry.All()))

	// reconciliation: state machine + periodic driver
	reconciler := reconcile.NewReconcilerWithOptions(logger, gateway, reconcile.ReconcilerOptions{
		Workers: cfg.ReconcileWorkers,
	})
	runPass := func(ctx context.Context) (reconcile.RunReport, error) {
		report, err := reconciler.Reconcile(ctx)
		if err != nil {
			return report, err
		}
		if storeErr := runStore.InsertRun(ctx, report); storeErr != nil {
			logger.Warn("run_report_persist_failed", "error", storeErr)
		}
		return report, nil
	}
	scheduler := reconcile.NewScheduler(logger, cfg.ReconcileInterval, runPass)
	scheduler.Start()

	srv := api.NewServer(logger, cfg, dbConn, redisClient, runStore, router, scheduler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("service_ready", "addr", cfg.HTTPAddr, "reconcile_interval", cfg.ReconcileInterval.String())

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// stop future ticks and wait out any in-flight pass
	scheduler.Stop()
	logger.Info("scheduler_stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("service_stopped")
}
