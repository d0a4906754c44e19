// Package config loads the sync core configuration from the
// environment, with .env support for development builds.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the sync core.
type Config struct {
	// DataDir is the device-private directory holding the local store.
	DataDir string
	// HubURL is the base URL of the FamRx hub (the remote store).
	HubURL string
	// APIToken is the opaque identity token from the auth flow.
	APIToken string
	// DeviceID identifies this device in change feeds.
	DeviceID string
	// FamilyID scopes the remote change subscription.
	FamilyID string

	// BackoffBase is the first retry delay after a failed attempt.
	BackoffBase time.Duration
	// BackoffMax caps the exponential backoff.
	BackoffMax time.Duration
	// MaxAttempts is the retry budget before a mutation is dead-lettered.
	MaxAttempts int
	// BatchSize bounds how many mutations one drain pass picks up.
	BatchSize int
	// SyncInterval is the periodic background sync cadence.
	SyncInterval time.Duration
	// GatewayTimeout bounds each remote call; exceeding it is a network error.
	GatewayTimeout time.Duration

	LogLevel string
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:        getEnv("FAMRX_DATA_DIR", defaultDataDir()),
		HubURL:         os.Getenv("FAMRX_HUB_URL"),
		APIToken:       os.Getenv("FAMRX_API_TOKEN"),
		DeviceID:       os.Getenv("FAMRX_DEVICE_ID"),
		FamilyID:       os.Getenv("FAMRX_FAMILY_ID"),
		BackoffBase:    getDuration("FAMRX_BACKOFF_BASE", 2*time.Second),
		BackoffMax:     getDuration("FAMRX_BACKOFF_MAX", 15*time.Minute),
		MaxAttempts:    getInt("FAMRX_MAX_ATTEMPTS", 20),
		BatchSize:      getInt("FAMRX_BATCH_SIZE", 50),
		SyncInterval:   getDuration("FAMRX_SYNC_INTERVAL", 5*time.Minute),
		GatewayTimeout: getDuration("FAMRX_GATEWAY_TIMEOUT", 30*time.Second),
		LogLevel:       getEnv("FAMRX_LOG_LEVEL", "INFO"),
	}

	// Validate required fields
	if cfg.HubURL == "" {
		return nil, errors.New("FAMRX_HUB_URL is required")
	}
	if cfg.FamilyID == "" {
		return nil, errors.New("FAMRX_FAMILY_ID is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("FAMRX_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("FAMRX_BATCH_SIZE must be at least 1")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".famrx"
	}
	return home + "/.famrx"
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
