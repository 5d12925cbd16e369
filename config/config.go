// Package config loads sessiontier settings from an optional YAML file and
// SESSIONTIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SESSIONTIER_CACHE_ADDR.
const EnvPrefix = "SESSIONTIER"

// Config is the complete process configuration.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Durable DurableConfig `mapstructure:"durable"`
	Tasks   TasksConfig   `mapstructure:"tasks"`
	Log     LogConfig     `mapstructure:"log"`
}

// CacheConfig selects and configures the cache tier.
type CacheConfig struct {
	Backend      string        `mapstructure:"backend"` // redis or memory
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// DurableConfig configures the SQL database shared by the durable tier and
// the task queue.
type DurableConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite3 or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// TasksConfig configures the migration task runner.
type TasksConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	ResultTTL    time.Duration `mapstructure:"result_ttl"`
	DispatchRate float64       `mapstructure:"dispatch_rate"`
}

// LogConfig configures the logger backend.
type LogConfig struct {
	Backend string `mapstructure:"backend"` // logrus or zap
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"` // json or text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.dial_timeout", 5*time.Second)
	v.SetDefault("cache.read_timeout", 3*time.Second)
	v.SetDefault("cache.write_timeout", 3*time.Second)
	v.SetDefault("cache.pool_size", 10)

	v.SetDefault("durable.driver", "sqlite3")
	v.SetDefault("durable.dsn", "sessiontier.db")
	v.SetDefault("durable.max_open_conns", 10)
	v.SetDefault("durable.max_idle_conns", 5)
	v.SetDefault("durable.conn_max_lifetime", time.Hour)

	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.poll_interval", 500*time.Millisecond)
	v.SetDefault("tasks.lease", 5*time.Minute)
	v.SetDefault("tasks.task_timeout", time.Minute)
	v.SetDefault("tasks.max_attempts", 3)
	v.SetDefault("tasks.backoff_base", time.Second)
	v.SetDefault("tasks.backoff_max", time.Minute)
	v.SetDefault("tasks.result_ttl", time.Hour)
	v.SetDefault("tasks.dispatch_rate", 50.0)

	v.SetDefault("log.backend", "logrus")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. An empty path skips the file and uses defaults
// and the environment only; a named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "redis":
		if c.Cache.Addr == "" {
			return errors.New("cache.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid cache backend: %s, must be 'redis' or 'memory'", c.Cache.Backend)
	}

	if c.Durable.Driver != "sqlite3" && c.Durable.Driver != "postgres" {
		return fmt.Errorf("invalid durable driver: %s, must be 'sqlite3' or 'postgres'", c.Durable.Driver)
	}
	if c.Durable.DSN == "" {
		return errors.New("durable.dsn is required")
	}

	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks.workers must be at least 1, got %d", c.Tasks.Workers)
	}
	if c.Tasks.MaxAttempts < 1 {
		return fmt.Errorf("tasks.max_attempts must be at least 1, got %d", c.Tasks.MaxAttempts)
	}
	if c.Tasks.Lease <= 0 {
		return errors.New("tasks.lease must be positive")
	}
	if c.Tasks.BackoffMax < c.Tasks.BackoffBase {
		return errors.New("tasks.backoff_max must not be less than tasks.backoff_base")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s, must be 'json' or 'text'", c.Log.Format)
	}
	if c.Log.Backend != "logrus" && c.Log.Backend != "zap" {
		return fmt.Errorf("invalid log backend: %s, must be 'logrus' or 'zap'", c.Log.Backend)
	}
	return nil
}
