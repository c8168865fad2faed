// Command register pushes the static command catalogue to Discord with a
// bulk overwrite. Run once per deploy; replaying the same catalogue is a
// no-op on the platform side.
package main

import (
	"context"
	"os"
	"time"

	"session-sync/internal/config"
	"session-sync/internal/discord"
	"session-sync/internal/interactions"
	"session-sync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)

	registry := interactions.NewRegistry()
	router := interactions.NewRouter(logger, registry)
	gateway := discord.NewRESTClient(logger, cfg.BotToken)

	if err := interactions.RegisterBuiltins(registry, router, gateway, logger); err != nil {
		logger.Error("catalogue_build_failed", "error", err)
		os.Exit(1)
	}

	cmds := registry.ApplicationCommands()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gateway.BulkOverwriteCommands(ctx, cfg.AppID, cmds); err != nil {
		logger.Error("command_registration_failed", "error", err, "app_id", cfg.AppID)
		os.Exit(1)
	}

	logger.Info("commands_registered", "app_id", cfg.AppID, "count", len(cmds))
}
