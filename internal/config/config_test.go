package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.ReevalMaxRetries)
	assert.Equal(t, 8, cfg.CheckConcurrency)
	assert.Equal(t, 30*24*time.Hour, cfg.NotificationTTL)
	assert.False(t, cfg.NotifyOnRecovery)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SW_HTTP_ADDR", ":9090")
	t.Setenv("SW_REEVAL_MAX_RETRIES", "5")
	t.Setenv("SW_NOTIFICATION_TTL_SEC", "3600")
	t.Setenv("SW_NOTIFY_ON_RECOVERY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.ReevalMaxRetries)
	assert.Equal(t, time.Hour, cfg.NotificationTTL)
	assert.True(t, cfg.NotifyOnRecovery)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SW_CHECK_CONCURRENCY", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.CheckConcurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing http addr", func(c *Config) { c.HTTPAddr = "" }, true},
		{"zero retries", func(c *Config) { c.ReevalMaxRetries = 0 }, true},
		{"zero concurrency", func(c *Config) { c.CheckConcurrency = 0 }, true},
		{"zero cache size", func(c *Config) { c.DedupeCacheSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				HTTPAddr:         ":8080",
				ReevalMaxRetries: 3,
				CheckConcurrency: 8,
				DedupeCacheSize:  100,
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
