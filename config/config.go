/*
Package config loads runtime configuration.

SOURCES (later wins):
  1. defaults below
  2. .env in the working directory, if present
  3. process environment

KEYS:
  ENV, PORT, LOG_LEVEL
  STORE_DRIVER (sqlite | postgres | memory), SQLITE_PATH, DATABASE_URL,
  DB_MAX_CONNS, DB_MIN_CONNS
  REDIS_URL, AUDIT_STREAM             audit stream is enabled when REDIS_URL is set
  RETRY_MAX_ATTEMPTS, RETRY_BASE_DELAY, RETRY_MAX_DELAY, RETRY_JITTER
  ALLOW_DIRECT_COMPLETION, EXPIRY_INTERVAL, CORS_ORIGINS
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/authunits/engine"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL    string `mapstructure:"REDIS_URL"`
	AuditStream string `mapstructure:"AUDIT_STREAM"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	RetryJitter      float64       `mapstructure:"RETRY_JITTER"`

	AllowDirectCompletion bool          `mapstructure:"ALLOW_DIRECT_COMPLETION"`
	ExpiryInterval        time.Duration `mapstructure:"EXPIRY_INTERVAL"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"ENV", "PORT", "LOG_LEVEL",
	"STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUDIT_STREAM",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY", "RETRY_JITTER",
	"ALLOW_DIRECT_COMPLETION", "EXPIRY_INTERVAL", "CORS_ORIGINS",
}

// Load reads .env (optional) and the environment.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	retry := engine.DefaultRetryConfig()
	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "./data/authunits.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUDIT_STREAM", "authunits:audit")
	v.SetDefault("RETRY_MAX_ATTEMPTS", retry.MaxAttempts)
	v.SetDefault("RETRY_BASE_DELAY", retry.BaseDelay)
	v.SetDefault("RETRY_MAX_DELAY", retry.MaxDelay)
	v.SetDefault("RETRY_JITTER", retry.JitterFactor)
	v.SetDefault("ALLOW_DIRECT_COMPLETION", false)
	v.SetDefault("EXPIRY_INTERVAL", time.Hour)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q",
			DriverSQLite, DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must be >= RETRY_BASE_DELAY (%s) >= 0",
			c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be within [0, 1], got %v", c.RetryJitter)
	}
	if c.ExpiryInterval < 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must not be negative")
	}
	return nil
}

// Retry converts the RETRY_* keys. Unset keys already hold the engine
// defaults, so a zero here was asked for and maps to "off".
func (c *Config) Retry() engine.RetryConfig {
	cfg := engine.RetryConfig{
		MaxAttempts:  c.RetryMaxAttempts,
		BaseDelay:    c.RetryBaseDelay,
		MaxDelay:     c.RetryMaxDelay,
		JitterFactor: c.RetryJitter,
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = -1
	}
	if cfg.JitterFactor == 0 {
		cfg.JitterFactor = -1
	}
	return cfg
}
