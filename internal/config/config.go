// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/enrichd/enrichd/internal/enrich"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Store      StoreConfig                `mapstructure:"store"`
	Queue      QueueConfig                `mapstructure:"queue"`
	Governor   GovernorConfig             `mapstructure:"governor"`
	Perf       PerfConfig                 `mapstructure:"perf"`
	API        APIConfig                  `mapstructure:"api"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	Processors []string                   `mapstructure:"processors"`
	Kinds      map[string]ProcessorConfig `mapstructure:"kinds"`
	// CheckpointPath is where per-kind progress counters are persisted.
	CheckpointPath string `mapstructure:"checkpoint_path"`
}

// StoreConfig selects and configures the metadata store provider.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"` // sqlite, postgres, memory
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds the path of the local catalog database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the shared-catalog connection pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// QueueConfig governs the shared worker queue.
type QueueConfig struct {
	Capacity         int `mapstructure:"capacity"`
	Workers          int `mapstructure:"workers"`
	StopGraceSeconds int `mapstructure:"stop_grace_seconds"`
}

// GovernorConfig sets the resource budgets checked before every batch.
type GovernorConfig struct {
	MaxCPUPercent float64 `mapstructure:"max_cpu_percent"`
	MaxMemoryMB   float64 `mapstructure:"max_memory_mb"`
	// DispatchesPerSecond paces each driver's batch dispatches. Zero means
	// unlimited.
	DispatchesPerSecond float64 `mapstructure:"dispatches_per_second"`
}

// PerfConfig controls the performance monitor.
type PerfConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	SlowThresholdMs int  `mapstructure:"slow_threshold_ms"`
}

// APIConfig controls the local status/metrics listener.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProcessorConfig is the per-kind override block from the config file.
type ProcessorConfig struct {
	BatchSize            int      `mapstructure:"batch_size"`
	IntervalSeconds      int      `mapstructure:"interval_seconds"`
	MaxAgeDays           int      `mapstructure:"max_age_days"`
	MinLastProcessedDays int      `mapstructure:"min_last_processed_days"`
	FileExtensions       []string `mapstructure:"file_extensions"`
	Priority             int      `mapstructure:"priority"`
}

// Load builds a Config from disk/environment. A missing config file is not
// an error: defaults are used and written back to path so the user has a
// file to edit.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENRICHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				if werr := v.WriteConfigAs(path); werr != nil {
					return Config{}, fmt.Errorf("write default config: %w", werr)
				}
			} else {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("store.provider", "sqlite")
	v.SetDefault("store.sqlite.path", "index.db")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.stop_grace_seconds", 30)
	v.SetDefault("governor.max_cpu_percent", 50)
	v.SetDefault("governor.max_memory_mb", 512)
	v.SetDefault("governor.dispatches_per_second", 1)
	v.SetDefault("perf.enabled", true)
	v.SetDefault("perf.slow_threshold_ms", 2000)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", "127.0.0.1:9187")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("processors", []string{
		string(enrich.KindContentType),
		string(enrich.KindChecksum),
		string(enrich.KindEmbeddedMetadata),
	})
	v.SetDefault("checkpoint_path", "enrichd-checkpoint.json")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Provider {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store provider: %s", c.Store.Provider)
	}
	if c.Store.Provider == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("store.sqlite.path must be set")
	}
	if c.Store.Provider == "postgres" && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn must be set")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if len(c.Processors) == 0 {
		return fmt.Errorf("at least one processor must be enabled")
	}
	return nil
}

// ResolveKinds applies per-kind config overrides to the built-in defaults
// for every enabled processor. Unknown processor names are returned
// separately; the caller logs and skips them rather than failing.
func (c Config) ResolveKinds() (kinds []enrich.Kind, unknown []string) {
	defaults := enrich.DefaultKinds()
	for _, name := range c.Processors {
		kind, ok := enrich.KindByID(defaults, enrich.KindID(name))
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if override, ok := c.Kinds[name]; ok {
			if override.BatchSize > 0 {
				kind.BatchSize = override.BatchSize
			}
			if override.IntervalSeconds > 0 {
				kind.Interval = time.Duration(override.IntervalSeconds) * time.Second
			}
			if override.MaxAgeDays > 0 {
				kind.MaxAge = time.Duration(override.MaxAgeDays) * 24 * time.Hour
			}
			if override.MinLastProcessedDays > 0 {
				kind.StaleAfter = time.Duration(override.MinLastProcessedDays) * 24 * time.Hour
			}
			if len(override.FileExtensions) > 0 {
				kind.Extensions = override.FileExtensions
			}
			if override.Priority > 0 {
				kind.Priority = override.Priority
			}
		}
		kinds = append(kinds, kind)
	}
	return kinds, unknown
}

// StopGrace converts the queue grace config to a duration.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.Queue.StopGraceSeconds) * time.Second
}

// SlowThreshold converts the perf threshold config to a duration.
func (c Config) SlowThreshold() time.Duration {
	return time.Duration(c.Perf.SlowThresholdMs) * time.Millisecond
}
