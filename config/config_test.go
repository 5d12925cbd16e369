package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr)
	assert.Equal(t, "sqlite3", cfg.Durable.Driver)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, 3, cfg.Tasks.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.Tasks.ResultTTL)
	assert.Equal(t, "logrus", cfg.Log.Backend)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiontier.yaml")
	content := `
cache:
  backend: memory
durable:
  driver: postgres
  dsn: postgres://localhost/sessions?sslmode=disable
tasks:
  workers: 8
  lease: 30s
log:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SESSIONTIER_TASKS_MAX_ATTEMPTS", "5")
	t.Setenv("SESSIONTIER_LOG_BACKEND", "zap")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "postgres", cfg.Durable.Driver)
	assert.Equal(t, "postgres://localhost/sessions?sslmode=disable", cfg.Durable.DSN)
	assert.Equal(t, 8, cfg.Tasks.Workers)
	assert.Equal(t, 30*time.Second, cfg.Tasks.Lease)
	assert.Equal(t, 5, cfg.Tasks.MaxAttempts)
	assert.Equal(t, "zap", cfg.Log.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Cache:   CacheConfig{Backend: "redis", Addr: "localhost:6379"},
			Durable: DurableConfig{Driver: "sqlite3", DSN: "x.db"},
			Tasks:   TasksConfig{Workers: 1, MaxAttempts: 1, Lease: time.Minute, BackoffBase: time.Second, BackoffMax: time.Minute},
			Log:     LogConfig{Backend: "logrus", Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "memory cache needs no addr", mutate: func(c *Config) { c.Cache = CacheConfig{Backend: "memory"} }},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: "invalid cache backend"},
		{name: "redis without addr", mutate: func(c *Config) { c.Cache.Addr = "" }, wantErr: "cache.addr is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Durable.Driver = "mysql" }, wantErr: "invalid durable driver"},
		{name: "empty dsn", mutate: func(c *Config) { c.Durable.DSN = "" }, wantErr: "durable.dsn is required"},
		{name: "no workers", mutate: func(c *Config) { c.Tasks.Workers = 0 }, wantErr: "tasks.workers"},
		{name: "no attempts", mutate: func(c *Config) { c.Tasks.MaxAttempts = 0 }, wantErr: "tasks.max_attempts"},
		{name: "zero lease", mutate: func(c *Config) { c.Tasks.Lease = 0 }, wantErr: "tasks.lease"},
		{name: "backoff inverted", mutate: func(c *Config) { c.Tasks.BackoffMax = time.Millisecond }, wantErr: "tasks.backoff_max"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "trace" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad backend", mutate: func(c *Config) { c.Log.Backend = "slog" }, wantErr: "invalid log backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
