// Package config loads engine configuration from YAML files and
// SAGAFLOW_-prefixed environment variables, and materializes the
// configured storage backend.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/sagaflow/flow/store"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config is the engine's full configuration tree.
type Config struct {
	Storage  Storage                  `mapstructure:"storage"`
	DLQ      DLQ                      `mapstructure:"dlq"`
	Alerts   Alerts                   `mapstructure:"alerts"`
	Breakers map[string]BreakerValues `mapstructure:"breakers"`
	Retry    Retry                    `mapstructure:"retry"`
	Node     string                   `mapstructure:"node"`
}

// Storage selects and parameterizes the durable backend.
type Storage struct {
	Backend string `mapstructure:"backend"`
	// Path is the SQLite database file; ":memory:" for ephemeral.
	Path string `mapstructure:"path"`
	// DSN is the MySQL connection string.
	DSN string `mapstructure:"dsn"`
	// BackupDir receives snapshot files.
	BackupDir string `mapstructure:"backup_dir"`
}

// DLQ tunes the dead-letter queue.
type DLQ struct {
	// MaxRetries caps scheduler-driven retries per entry.
	MaxRetries int `mapstructure:"max_retries"`
}

// Alerts configures delivery channels.
type Alerts struct {
	RateLimit  time.Duration `mapstructure:"rate_limit"`
	RingSize   int           `mapstructure:"ring_size"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Email      Email         `mapstructure:"email"`
}

// Email configures the SMTP channel for critical alerts.
type Email struct {
	Addr string   `mapstructure:"addr"`
	From string   `mapstructure:"from"`
	To   []string `mapstructure:"to"`
}

// BreakerValues overrides one named breaker's thresholds.
type BreakerValues struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Retry sets the engine-wide default policy name.
type Retry struct {
	DefaultPolicy string `mapstructure:"default_policy"`
}

// Load reads configuration from the given file (optional) with
// environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SAGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.path", "sagaflow.db")
	v.SetDefault("storage.backup_dir", "backups")
	v.SetDefault("dlq.max_retries", 10)
	v.SetDefault("alerts.rate_limit", time.Minute)
	v.SetDefault("alerts.ring_size", 1000)
	v.SetDefault("retry.default_policy", "conservative")
	v.SetDefault("node", "local")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path required for sqlite backend")
		}
	case BackendMySQL:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for mysql backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.DLQ.MaxRetries < 0 {
		return fmt.Errorf("dlq.max_retries must be >= 0")
	}
	return nil
}

// OpenStore materializes the configured backend.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Storage.Backend {
	case BackendMemory:
		return store.NewMemStore(), nil
	case BackendSQLite:
		return store.NewSQLiteStore(c.Storage.Path)
	case BackendMySQL:
		return store.NewMySQLStore(c.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}
