// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the work-item store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate            bool   `mapstructure:"migrate"`
}

// QueueConfig governs retry and batch policy.
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	MaxErrorLen int `mapstructure:"max_error_len"`
	BatchLimit  int `mapstructure:"batch_limit"`
}

// SweepConfig controls the stale-item reclaim loop.
type SweepConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	TimeoutMinutes  int `mapstructure:"timeout_minutes"`
}

// PublisherConfig selects the evaluated-page event publisher.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres.table", "work_items")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.max_error_len", 500)
	v.SetDefault("queue.batch_limit", 100)
	v.SetDefault("sweep.interval_seconds", 60)
	v.SetDefault("sweep.timeout_minutes", 30)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "pages.evaluated")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.BatchLimit <= 0 {
		return fmt.Errorf("queue.batch_limit must be > 0")
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("sweep.interval_seconds must be > 0")
	}
	if c.Sweep.TimeoutMinutes <= 0 {
		return fmt.Errorf("sweep.timeout_minutes must be > 0")
	}
	switch c.Publisher.Backend {
	case "memory", "none":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set when publisher.backend is pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher backend %q", c.Publisher.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SweepInterval returns the sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// SweepTimeout returns the staleness bound as a duration.
func (c Config) SweepTimeout() time.Duration {
	return time.Duration(c.Sweep.TimeoutMinutes) * time.Minute
}

// PostgresConnLifetime returns the pool connection lifetime as a duration.
func (c Config) PostgresConnLifetime() time.Duration {
	return time.Duration(c.Store.Postgres.MaxConnLifetimeMin) * time.Minute
}
