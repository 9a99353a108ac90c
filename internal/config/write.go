package config

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Formats accepted by WriteDefaults.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// WriteDefaults writes a config file holding every default, in yaml or toml.
func WriteDefaults(w io.Writer, format string) error {
	return Write(w, format, Settings(nil))
}

// Write encodes a nested settings map in the given format.
func Write(w io.Writer, format string, settings map[string]any) error {
	switch strings.ToLower(format) {
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(settings); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q (want yaml or toml)", format)
	}
}

// Settings returns cfg (or the defaults when cfg is nil) as a nested map with
// durations rendered as strings, ready to be written back to a file. The
// remote token is never included.
func Settings(cfg *Config) map[string]any {
	flat := defaults()
	if cfg != nil {
		flat = flatten(cfg)
	}
	out := make(map[string]any)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "remote.token" {
			continue
		}
		val := flat[k]
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		section, name, nested := strings.Cut(k, ".")
		if !nested {
			out[k] = val
			continue
		}
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			out[section] = m
		}
		m[name] = val
	}
	return out
}

func flatten(c *Config) map[string]any {
	return map[string]any{
		"data_dir":                 c.DataDir,
		"database":                 c.Database,
		"outbox_dsn":               c.OutboxDSN,
		"user_id":                  c.UserID,
		"remote.url":               c.Remote.URL,
		"remote.token":             c.Remote.Token,
		"remote.timeout":           c.Remote.Timeout,
		"remote.max_retries":       c.Remote.MaxRetries,
		"sync.position_debounce":   c.Sync.PositionDebounce,
		"sync.annotation_debounce": c.Sync.AnnotationDebounce,
		"sync.preference_debounce": c.Sync.PreferenceDebounce,
		"sync.rapid_threshold":     c.Sync.RapidThreshold,
		"sync.conflict_window":     c.Sync.ConflictWindow,
		"sync.position_epsilon":    c.Sync.PositionEpsilon,
		"sync.periodic_interval":   c.Sync.PeriodicInterval,
		"sync.interval_jitter":     c.Sync.IntervalJitter,
		"sync.optimistic_timeout":  c.Sync.OptimisticTimeout,
		"sync.flush_on_close":      c.Sync.FlushOnClose,
		"log.file":                 c.Log.File,
		"log.max_size_mb":          c.Log.MaxSizeMB,
		"log.max_backups":          c.Log.MaxBackups,
		"log.max_age_days":         c.Log.MaxAgeDays,
		"log.verbose":              c.Log.Verbose,
		"server.addr":              c.Server.Addr,
		"server.store":             c.Server.Store,
		"metrics.addr":             c.Metrics.Addr,
	}
}
