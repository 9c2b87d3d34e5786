// Package config loads engine configuration from the environment.
//
// Settings come from ARCANA_* environment variables, optionally seeded from
// a .env file in the data directory.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the runtime configuration for the entitlement engine.
type Config struct {
	DataDir string // preference store, billing state, .env

	SyncInterval  time.Duration // between scheduled subscription syncs
	FetchTimeout  time.Duration // per platform fetch
	RetryAttempts int           // fetch attempts per sync
	RetryDelay    time.Duration // fixed delay between attempts

	LogLevel    string
	LogFormat   string
	MetricsAddr string // empty disables the metrics endpoint
}

// Defaults per the sync schedule: hourly sync, 10s fetch bound, three
// attempts with a fixed 5s delay.
const (
	defaultSyncInterval  = 60 * time.Minute
	defaultFetchTimeout  = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 5 * time.Second
)

// Load builds the configuration from the environment. A missing .env file
// is not an error.
func Load() Config {
	dataDir := detectDataDir()

	// Seed the environment from .env without overriding real env vars.
	envPath := filepath.Join(dataDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		log.Debug().Str("path", envPath).Msg("Loaded environment overrides")
	}

	return Config{
		DataDir:       dataDir,
		SyncInterval:  envDuration("ARCANA_SYNC_INTERVAL", defaultSyncInterval),
		FetchTimeout:  envDuration("ARCANA_FETCH_TIMEOUT", defaultFetchTimeout),
		RetryAttempts: envInt("ARCANA_SYNC_RETRIES", defaultRetryAttempts),
		RetryDelay:    envDuration("ARCANA_SYNC_RETRY_DELAY", defaultRetryDelay),
		LogLevel:      envString("ARCANA_LOG_LEVEL", "info"),
		LogFormat:     envString("ARCANA_LOG_FORMAT", "auto"),
		MetricsAddr:   envString("ARCANA_METRICS_ADDR", ""),
	}
}

// detectDataDir picks the data directory: ARCANA_DATA_DIR when set,
// otherwise ~/.config/arcana, falling back to the working directory.
func detectDataDir() string {
	if dir := os.Getenv("ARCANA_DATA_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "arcana")
	}
	return "."
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer setting, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration setting, using default")
		return fallback
	}
	return d
}
