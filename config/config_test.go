package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/authunits/engine"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 5, cfg.Retry().MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Retry().BaseDelay)
	assert.Equal(t, time.Hour, cfg.ExpiryInterval)
	assert.False(t, cfg.AllowDirectCompletion)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "POSTGRES")
	t.Setenv("DATABASE_URL", "postgres://localhost/authunits")
	t.Setenv("RETRY_MAX_ATTEMPTS", "8")
	t.Setenv("RETRY_BASE_DELAY", "5ms")
	t.Setenv("ALLOW_DIRECT_COMPLETION", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 8, cfg.RetryMaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.RetryBaseDelay)
	assert.True(t, cfg.AllowDirectCompletion)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9999\nLOG_LEVEL=debug\n"), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	_, err := load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("STORE_DRIVER", "mongodb")
	_, err = load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RETRY_JITTER", "1.5")
	_, err = load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "RETRY_JITTER")
}

func TestRetry_ExplicitZeroDisablesJitter(t *testing.T) {
	t.Setenv("RETRY_JITTER", "0")
	t.Setenv("RETRY_BASE_DELAY", "0s")
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	got := engine.NewRetrier(cfg.Retry()).Config()

	assert.Equal(t, 0.0, got.JitterFactor)
	assert.Equal(t, time.Duration(0), got.BaseDelay)
}
