package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"session-sync/internal/interactions"
)

type Config struct {
	HTTPAddr string
	LogLevel string
	DBDSN    string
	RedisDSN string

	// raw secrets kept in-memory only; never log these
	BotToken       string
	AppID          string
	PublicKeyHex   string
	PublicKey      ed25519.PublicKey // decoded from PublicKeyHex
	CronSecret     string
	AdminSecretKey string

	ReconcileInterval time.Duration
	ReconcileWorkers  int
	HandlerTimeout    time.Duration
	CORSOrigins       []string
}

// Load reads configuration from the environment and fails fast on
// anything that would leave the process half-configured.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:       getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:       getenvDefault("LOG_LEVEL", "info"),
		DBDSN:          os.Getenv("DB_DSN"),
		RedisDSN:       getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		BotToken:       os.Getenv("BOT_TOKEN"),
		AppID:          os.Getenv("APP_ID"),
		PublicKeyHex:   os.Getenv("DISCORD_PUBLIC_KEY"),
		CronSecret:     os.Getenv("CRON_SECRET"),
		AdminSecretKey: getenvDefault("ADMIN_SECRET_KEY", ""),
	}

	if cfg.BotToken == "" {
		return Config{}, errors.New("missing BOT_TOKEN")
	}
	if cfg.AppID == "" {
		return Config{}, errors.New("missing APP_ID")
	}
	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}
	if cfg.PublicKeyHex == "" {
		return Config{}, errors.New("missing DISCORD_PUBLIC_KEY")
	}

	key, err := interactions.ParsePublicKey(cfg.PublicKeyHex)
	if err != nil {
		return Config{}, fmt.Errorf("DISCORD_PUBLIC_KEY: %w", err)
	}
	cfg.PublicKey = key

	cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.HandlerTimeout, err = durationEnv("HANDLER_TIMEOUT", 2500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}

	workers := getenvDefault("RECONCILE_WORKERS", "3")
	cfg.ReconcileWorkers, err = strconv.Atoi(workers)
	if err != nil || cfg.ReconcileWorkers < 1 {
		return Config{}, errors.New("RECONCILE_WORKERS must be a positive integer")
	}

	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", key)
	}
	return d, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
