// Package config provides environment-based configuration for the build queue.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the build queue service.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Server configuration
	APIHost string
	APIPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Idempotency-token cache TTL
	IdempotencyTTL time.Duration

	// Path to a JSON file of scope configurations. Empty means the service
	// starts with no configured scopes.
	ScopeConfigPath string

	// Tag index sizing
	TagIndex TagIndexConfig

	// Sweeper configuration
	Sweeper SweeperConfig
}

// TagIndexConfig holds the tag index sizing knobs. Zero values mean the
// index defaults apply.
type TagIndexConfig struct {
	ShardCount int
	MaxEntries int
}

// SweeperConfig holds the expired-lease sweep configuration.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/buildqueue?sslmode=disable"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second),
		IdempotencyTTL:  getDurationEnv("IDEMPOTENCY_TTL", time.Minute),
		ScopeConfigPath: getEnv("SCOPE_CONFIG_PATH", ""),
		TagIndex: TagIndexConfig{
			ShardCount: getIntEnv("TAG_INDEX_SHARDS", 0),
			MaxEntries: getIntEnv("TAG_INDEX_MAX_ENTRIES", 0),
		},
		Sweeper: SweeperConfig{
			Interval:  getDurationEnv("SWEEP_INTERVAL", 30*time.Second),
			BatchSize: getIntEnv("SWEEP_BATCH_SIZE", 100),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d out of range", c.APIPort)
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.TagIndex.ShardCount < 0 || c.TagIndex.MaxEntries < 0 {
		return fmt.Errorf("tag index sizing must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
