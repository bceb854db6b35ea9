package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		expected    bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"dev", "dev", false},
		{"staging", "staging", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.expected, cfg.IsProduction())
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		expected    bool
	}{
		{"development", "development", true},
		{"dev", "dev", true},
		{"empty", "", true},
		{"production", "production", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.expected, cfg.IsDevelopment())
		})
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENVIRONMENT", "STORE_DRIVER", "BROADCAST_DRIVER", "KEY_PREFIX",
		"SYNC_INTERVAL", "STREAM_MAX_AGE", "CHAT_HISTORY_LIMIT", "OPENAPI_VALIDATION",
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, BroadcastLocal, cfg.BroadcastDriver)
	assert.Equal(t, "pandapi", cfg.KeyPrefix)
	assert.Equal(t, 500*time.Millisecond, cfg.SyncInterval)
	assert.Equal(t, 24*time.Hour, cfg.StreamMaxAge)
	assert.Equal(t, 100, cfg.ChatHistoryLimit)
	assert.False(t, cfg.OpenAPIValidation)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Redis")
	t.Setenv("BROADCAST_DRIVER", "rabbitmq")
	t.Setenv("SYNC_INTERVAL", "2s")
	t.Setenv("STREAM_MAX_AGE", "1h")
	t.Setenv("CHAT_HISTORY_LIMIT", "20")
	t.Setenv("OPENAPI_VALIDATION", "true")
	t.Setenv("KEY_PREFIX", "staging")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, StoreRedis, cfg.StoreDriver)
	assert.Equal(t, BroadcastRabbitMQ, cfg.BroadcastDriver)
	assert.Equal(t, 2*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.StreamMaxAge)
	assert.Equal(t, 20, cfg.ChatHistoryLimit)
	assert.True(t, cfg.OpenAPIValidation)
	assert.Equal(t, "staging", cfg.KeyPrefix)
}

func TestFromEnv_ParseErrors(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"SYNC_INTERVAL", "soon", "SYNC_INTERVAL"},
		{"STREAM_MAX_AGE", "forever", "STREAM_MAX_AGE"},
		{"CHAT_HISTORY_LIMIT", "many", "CHAT_HISTORY_LIMIT"},
		{"OPENAPI_VALIDATION", "maybe", "OPENAPI_VALIDATION"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func validConfig() *Config {
	return &Config{
		Environment:      "development",
		StoreDriver:      StoreMemory,
		BroadcastDriver:  BroadcastLocal,
		KeyPrefix:        "pandapi",
		SyncInterval:     500 * time.Millisecond,
		StreamMaxAge:     24 * time.Hour,
		ChatHistoryLimit: 100,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		errorContains string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown_store", func(c *Config) { c.StoreDriver = "sqlite" }, "STORE_DRIVER"},
		{"unknown_broadcast", func(c *Config) { c.BroadcastDriver = "kafka" }, "BROADCAST_DRIVER"},
		{"redis_without_url", func(c *Config) { c.StoreDriver = StoreRedis }, "REDIS_URL"},
		{"redis_broadcast_without_url", func(c *Config) { c.BroadcastDriver = BroadcastRedis }, "REDIS_URL"},
		{"postgres_without_url", func(c *Config) { c.StoreDriver = StorePostgres }, "DATABASE_URL"},
		{"rabbitmq_without_url", func(c *Config) { c.BroadcastDriver = BroadcastRabbitMQ }, "RABBITMQ_URL"},
		{"empty_prefix", func(c *Config) { c.KeyPrefix = "" }, "KEY_PREFIX"},
		{"glob_prefix", func(c *Config) { c.KeyPrefix = "a*" }, "KEY_PREFIX"},
		{"zero_interval", func(c *Config) { c.SyncInterval = 0 }, "SYNC_INTERVAL"},
		{"negative_max_age", func(c *Config) { c.StreamMaxAge = -time.Hour }, "STREAM_MAX_AGE"},
		{"zero_chat_limit", func(c *Config) { c.ChatHistoryLimit = 0 }, "CHAT_HISTORY_LIMIT"},
		{"production_memory_store_allowed", func(c *Config) { c.Environment = "production" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}
