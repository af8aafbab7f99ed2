package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration, loaded from environment variables.
type Config struct {
	HTTPAddr    string `json:"http_addr"`
	NATSURL     string `json:"nats_url"`
	PostgresDSN string `json:"postgres_dsn"`
	LogLevel    string `json:"log_level"`

	// Pipeline tuning.
	ReevalMaxRetries int           `json:"reeval_max_retries"`
	CheckConcurrency int           `json:"check_concurrency"`
	NotificationTTL  time.Duration `json:"notification_ttl"`
	DedupeCacheSize  int           `json:"dedupe_cache_size"`

	// NotifyOnRecovery controls whether a recovery transition (for example
	// vulnerable back to secure) creates a notification in addition to the
	// status event. Off by default; recoveries are logged and published only.
	NotifyOnRecovery bool `json:"notify_on_recovery"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:         getEnv("SW_HTTP_ADDR", ":8080"),
		NATSURL:          getEnv("SW_NATS_URL", ""),
		PostgresDSN:      getEnv("SW_POSTGRES_DSN", ""),
		LogLevel:         getEnv("SW_LOG_LEVEL", "info"),
		ReevalMaxRetries: getIntEnv("SW_REEVAL_MAX_RETRIES", 3),
		CheckConcurrency: getIntEnv("SW_CHECK_CONCURRENCY", 8),
		NotificationTTL:  getDurationEnv("SW_NOTIFICATION_TTL_SEC", 30*24*time.Hour),
		DedupeCacheSize:  getIntEnv("SW_DEDUPE_CACHE_SIZE", 10000),
		NotifyOnRecovery: getBoolEnv("SW_NOTIFY_ON_RECOVERY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http address is required")
	}
	if c.ReevalMaxRetries < 1 {
		return fmt.Errorf("reeval max retries must be at least 1, got %d", c.ReevalMaxRetries)
	}
	if c.CheckConcurrency < 1 {
		return fmt.Errorf("check concurrency must be at least 1, got %d", c.CheckConcurrency)
	}
	if c.DedupeCacheSize < 1 {
		return fmt.Errorf("dedupe cache size must be at least 1, got %d", c.DedupeCacheSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if sec, err := strconv.Atoi(value); err == nil {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultValue
}
