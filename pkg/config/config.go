package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is the YAML file Load reads when present.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration for the gateway.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, salts, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"APP_PORT" env-default:"3000"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database is the metadata store holding projects, keys, policies and audit logs.
	Database DatabaseConfig `yaml:"database"`

	// Redis backs the rate/quota counters. Empty host selects the in-process store.
	Redis RedisConfig `yaml:"redis"`

	// Datasource pool and session safety settings.
	Datasource DatasourceConfig `yaml:"datasource"`

	Query     QueryConfig     `yaml:"query"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`

	// APIKeyHashSalt is mixed into every API key hash. Changing it invalidates all keys.
	APIKeyHashSalt string `yaml:"-" env:"API_KEY_HASH_SALT"` // Secret - not in YAML

	// DSNEncryptionKey encrypts datasource connection strings at rest.
	// Either a base64-encoded 32-byte key or a passphrase.
	DSNEncryptionKey string `yaml:"-" env:"DSN_ENC_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration for the metadata store.
type DatabaseConfig struct {
	URL            string `yaml:"-" env:"META_DB_URL"` // Takes precedence over the discrete fields
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"sqlrest"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"sqlrest_meta"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds the counter store connection.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// DatasourceConfig holds per-project datasource pool settings.
type DatasourceConfig struct {
	// PoolMaxConns bounds concurrent queries per project.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	PoolMinConns int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"0"`
	// IdleTimeoutSeconds closes pooled connections idle longer than this.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" env:"DATASOURCE_IDLE_TIMEOUT_SECONDS" env-default:"30"`
	// PoolTTLMinutes closes a whole project pool that has not been used for this long.
	PoolTTLMinutes int `yaml:"pool_ttl_minutes" env:"DATASOURCE_POOL_TTL_MINUTES" env-default:"30"`
	// StatementTimeout bounds runaway queries at the session level.
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"DATASOURCE_STATEMENT_TIMEOUT" env-default:"5m"`
	// IdleInTransactionTimeout bounds abandoned transactions at the session level.
	IdleInTransactionTimeout time.Duration `yaml:"idle_in_transaction_timeout" env:"DATASOURCE_IDLE_IN_TX_TIMEOUT" env-default:"1m"`
}

// QueryConfig bounds result pages.
type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" env:"QUERY_DEFAULT_LIMIT" env-default:"50"`
	MaxLimit     int `yaml:"max_limit" env:"QUERY_MAX_LIMIT" env-default:"100"`
}

// RateLimitConfig controls admission enforcement.
type RateLimitConfig struct {
	// Disabled lets every request through without touching the counter store.
	// Intended for local development only.
	Disabled bool `yaml:"disabled" env:"DISABLE_RATE_LIMIT" env-default:"false"`
}

// AuditConfig controls the request audit trail.
type AuditConfig struct {
	Disabled bool `yaml:"disabled" env:"DISABLE_AUDIT" env-default:"false"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; environment variables alone are enough.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom(DefaultConfigPath, version)
}

// LoadFrom is Load with an explicit YAML path.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate rejects configurations the gateway cannot run safely with.
func (c *Config) validate() error {
	if c.APIKeyHashSalt == "" {
		return fmt.Errorf("API_KEY_HASH_SALT is required")
	}
	if c.DSNEncryptionKey == "" {
		return fmt.Errorf("DSN_ENC_KEY is required")
	}
	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query limits must be positive")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit (%d) exceeds query.max_limit (%d)", c.Query.DefaultLimit, c.Query.MaxLimit)
	}
	if c.Datasource.PoolMaxConns <= 0 {
		return fmt.Errorf("datasource.pool_max_conns must be positive")
	}
	return nil
}

// IsLocal reports whether the gateway runs in a developer environment.
func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == "dev" || c.Env == "development"
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the host:port address of the Redis server.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
