// Package config loads readsync settings from a config file, the environment
// and command-line flags.
//
// Precedence, highest first: flags bound with BindFlag, READSYNC_* environment
// variables, the config file, built-in defaults. Nested keys map to
// environment variables by replacing dots with underscores, so sync.rapid_threshold
// is READSYNC_SYNC_RAPID_THRESHOLD.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "READSYNC"

// Config is the resolved configuration.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	Database  string `mapstructure:"database"`
	OutboxDSN string `mapstructure:"outbox_dsn"`
	UserID    string `mapstructure:"user_id"`

	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RemoteConfig selects the sync backend. An empty URL or "memory" runs against
// an in-process backend.
type RemoteConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// SyncConfig holds the timing knobs of the sync engine.
type SyncConfig struct {
	PositionDebounce   time.Duration `mapstructure:"position_debounce"`
	AnnotationDebounce time.Duration `mapstructure:"annotation_debounce"`
	PreferenceDebounce time.Duration `mapstructure:"preference_debounce"`
	RapidThreshold     time.Duration `mapstructure:"rapid_threshold"`
	ConflictWindow     time.Duration `mapstructure:"conflict_window"`
	PositionEpsilon    float64       `mapstructure:"position_epsilon"`
	PeriodicInterval   time.Duration `mapstructure:"periodic_interval"`
	IntervalJitter     float64       `mapstructure:"interval_jitter"`
	OptimisticTimeout  time.Duration `mapstructure:"optimistic_timeout"`
	FlushOnClose       bool          `mapstructure:"flush_on_close"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// ServerConfig configures `readsync serve`.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Store is "memory" or a postgres DSN
	Store string `mapstructure:"store"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabasePath returns the local store path, defaulting into DataDir.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "readsync.db")
}

// Validate checks values that would make the engine misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.Sync.PositionDebounce < 0 || c.Sync.AnnotationDebounce < 0 || c.Sync.PreferenceDebounce < 0 {
		errs = append(errs, fmt.Errorf("debounce windows cannot be negative"))
	}
	if c.Sync.ConflictWindow < 0 {
		errs = append(errs, fmt.Errorf("sync.conflict_window cannot be negative"))
	}
	if c.Sync.PositionEpsilon < 0 || c.Sync.PositionEpsilon > 1 {
		errs = append(errs, fmt.Errorf("sync.position_epsilon must be within [0, 1] (got %v)", c.Sync.PositionEpsilon))
	}
	if c.Sync.IntervalJitter < 0 || c.Sync.IntervalJitter >= 1 {
		errs = append(errs, fmt.Errorf("sync.interval_jitter must be within [0, 1) (got %v)", c.Sync.IntervalJitter))
	}
	if c.Sync.PeriodicInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.periodic_interval must be positive"))
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("remote.max_retries cannot be negative"))
	}
	return errors.Join(errs...)
}

// DefaultDataDir is ~/.readsync, or ./.readsync if the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".readsync"
	}
	return filepath.Join(home, ".readsync")
}

// defaults lists every key with its default value.
func defaults() map[string]any {
	return map[string]any{
		"data_dir":                 DefaultDataDir(),
		"database":                 "",
		"outbox_dsn":               "",
		"user_id":                  "",
		"remote.url":               "",
		"remote.token":             "",
		"remote.timeout":           15 * time.Second,
		"remote.max_retries":       3,
		"sync.position_debounce":   5 * time.Second,
		"sync.annotation_debounce": 30 * time.Second,
		"sync.preference_debounce": 30 * time.Second,
		"sync.rapid_threshold":     time.Second,
		"sync.conflict_window":     10 * time.Second,
		"sync.position_epsilon":    0.01,
		"sync.periodic_interval":   15 * time.Minute,
		"sync.interval_jitter":     0.2,
		"sync.optimistic_timeout":  3 * time.Second,
		"sync.flush_on_close":      false,
		"log.file":                 "",
		"log.max_size_mb":          10,
		"log.max_backups":          3,
		"log.max_age_days":         28,
		"log.verbose":              false,
		"server.addr":              "127.0.0.1:8787",
		"server.store":             "memory",
		"metrics.addr":             "",
	}
}

// Default returns the built-in configuration, with READSYNC_* overrides applied.
func Default() *Config {
	cfg, err := NewLoader().resolve()
	if err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
	return cfg
}

// Loader resolves configuration with viper.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader returns a loader with defaults and environment binding set up.
func NewLoader() *Loader {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper exposes the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads path, or readsync.{yaml,toml} from the data directory when path
// is empty. A missing config file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("readsync")
		l.v.AddConfigPath(l.v.GetString("data_dir"))
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.resolve()
}

// ConfigFile returns the file that was read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch reloads the config file whenever it changes and passes the result to
// fn. Invalid reloads are reported through err and do not replace Current.
func (l *Loader) Watch(fn func(cfg *Config, err error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.resolve()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) resolve() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	l.mu.Lock()
	l.current = &cfg
	l.mu.Unlock()
	return &cfg, nil
}
