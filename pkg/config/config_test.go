package config_test

import (
	"testing"

	"github.com/eatp-io/eatp/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("EATP_KEY_ID", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "eatp-signing-key-1", cfg.KeyID)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://production:5432/eatp")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("EATP_KEY_ID", "rotated-key-7")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "postgres://production:5432/eatp", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "rotated-key-7", cfg.KeyID)
}

// TestLoad_DriverDefaults verifies that a selected driver picks a
// matching default DSN.
func TestLoad_DriverDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "sqlite")
	assert.Equal(t, "file:eatp.db", config.Load().DatabaseURL)

	t.Setenv("STORE_DRIVER", "postgres")
	assert.Contains(t, config.Load().DatabaseURL, "localhost")
}
