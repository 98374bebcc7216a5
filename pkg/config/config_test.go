package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredSecrets sets the env-only secrets every valid configuration needs.
func setRequiredSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("API_KEY_HASH_SALT", "test-salt")
	t.Setenv("DSN_ENC_KEY", "test-encryption-key")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	setRequiredSecrets(t)
	path := writeConfig(t, `
port: "3000"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
redis:
  host: "redis.example.com"
  port: 6379
`)

	os.Unsetenv("PGHOST")
	t.Setenv("APP_PORT", "4000")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := LoadFrom(path, "test-version")
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if cfg.Port != "4000" {
		t.Errorf("expected Port=4000 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if cfg.Redis.Addr() != "redis.example.com:6379" {
		t.Errorf("expected Redis.Addr()=redis.example.com:6379, got %s", cfg.Redis.Addr())
	}
}

func TestLoad_MissingConfigFileUsesEnv(t *testing.T) {
	setRequiredSecrets(t)
	t.Setenv("DISABLE_RATE_LIMIT", "true")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"), "v1")
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if !cfg.RateLimit.Disabled {
		t.Error("expected rate limiting disabled from env")
	}
	if cfg.APIKeyHashSalt != "test-salt" {
		t.Errorf("expected salt from env, got %q", cfg.APIKeyHashSalt)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredSecrets(t)

	cfg, err := LoadFrom(writeConfig(t, "env: test\n"), "v1")
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if cfg.Query.DefaultLimit != 50 {
		t.Errorf("expected default limit 50, got %d", cfg.Query.DefaultLimit)
	}
	if cfg.Query.MaxLimit != 100 {
		t.Errorf("expected max limit 100, got %d", cfg.Query.MaxLimit)
	}
	if cfg.Datasource.PoolMaxConns != 10 {
		t.Errorf("expected pool max conns 10, got %d", cfg.Datasource.PoolMaxConns)
	}
	if cfg.Datasource.StatementTimeout != 5*time.Minute {
		t.Errorf("expected statement timeout 5m, got %s", cfg.Datasource.StatementTimeout)
	}
	if cfg.Datasource.IdleInTransactionTimeout != time.Minute {
		t.Errorf("expected idle-in-transaction timeout 1m, got %s", cfg.Datasource.IdleInTransactionTimeout)
	}
	if cfg.RateLimit.Disabled {
		t.Error("expected rate limiting enabled by default")
	}
	if cfg.Redis.Host != "" {
		t.Errorf("expected empty redis host by default, got %q", cfg.Redis.Host)
	}
}

func TestLoad_SecretsRequired(t *testing.T) {
	tests := []struct {
		name    string
		salt    string
		key     string
		wantErr string
	}{
		{"missing salt", "", "k", "API_KEY_HASH_SALT"},
		{"missing key", "s", "", "DSN_ENC_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_KEY_HASH_SALT", tt.salt)
			t.Setenv("DSN_ENC_KEY", tt.key)

			_, err := LoadFrom(writeConfig(t, "env: test\n"), "v1")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_SecretsIgnoredInYAML(t *testing.T) {
	t.Setenv("API_KEY_HASH_SALT", "")
	t.Setenv("DSN_ENC_KEY", "k")

	// api_key_hash_salt is yaml:"-" and must not be picked up from the file.
	_, err := LoadFrom(writeConfig(t, "api_key_hash_salt: from-yaml\n"), "v1")
	if err == nil {
		t.Fatal("expected error: salt must only come from the environment")
	}
}

func TestLoad_InvalidLimits(t *testing.T) {
	setRequiredSecrets(t)

	_, err := LoadFrom(writeConfig(t, `
query:
  default_limit: 500
  max_limit: 100
`), "v1")
	if err == nil {
		t.Fatal("expected error when default limit exceeds max limit")
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db",
		Port:     5433,
		User:     "meta",
		Password: "secret",
		Database: "sqlrest_meta",
		SSLMode:  "require",
	}

	want := "host=db port=5433 user=meta password=secret dbname=sqlrest_meta sslmode=require"
	if got := cfg.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	cfg.URL = "postgres://meta@db/other"
	if got := cfg.ConnectionString(); got != cfg.URL {
		t.Errorf("expected URL to take precedence, got %q", got)
	}
}

func TestConfig_IsLocal(t *testing.T) {
	for env, want := range map[string]bool{"local": true, "dev": true, "production": false, "test": false} {
		cfg := &Config{Env: env}
		if got := cfg.IsLocal(); got != want {
			t.Errorf("IsLocal() for %q = %v, want %v", env, got, want)
		}
	}
}
