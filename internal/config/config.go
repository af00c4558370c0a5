// Package config loads querydesk settings from defaults, a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates levels: QUERYDESK_ENGINE__MAX_CONCURRENT sets
// engine.max_concurrent.
const EnvPrefix = "QUERYDESK_"

// FileName is the config file looked up when no path is given.
const FileName = "querydesk.yaml"

// Config is the full application configuration.
type Config struct {
	Database    string            `koanf:"database"` // app database file, or :memory:
	Log         LogConfig         `koanf:"log"`
	Vault       VaultConfig       `koanf:"vault"`
	Connections ConnectionsConfig `koanf:"connections"`
	Engine      EngineConfig      `koanf:"engine"`
	Results     ResultsConfig     `koanf:"results"`
	History     HistoryConfig     `koanf:"history"`
	Schema      SchemaConfig      `koanf:"schema"`
	HTTP        HTTPConfig        `koanf:"http"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

// VaultConfig locates the master secret. An empty MasterSecret reads it
// from the OS keychain, creating it on first use.
type VaultConfig struct {
	MasterSecret string `koanf:"master_secret"`
}

type ConnectionsConfig struct {
	PoolLimit      int           `koanf:"pool_limit"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	ReapSchedule   string        `koanf:"reap_schedule"`
}

type EngineConfig struct {
	MaxConcurrent  int           `koanf:"max_concurrent"`
	PrefetchRows   int           `koanf:"prefetch_rows"`
	RetainTerminal int           `koanf:"retain_terminal"`
	CancelGrace    time.Duration `koanf:"cancel_grace"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

type ResultsConfig struct {
	PageSize       int `koanf:"page_size"`
	PagesPerResult int `koanf:"pages_per_result"`
	MaxOpen        int `koanf:"max_open"`
}

type HistoryConfig struct {
	Retention     time.Duration `koanf:"retention"` // 0 keeps everything
	PruneSchedule string        `koanf:"prune_schedule"`
}

type SchemaConfig struct {
	RefreshSchedule string `koanf:"refresh_schedule"` // empty disables periodic refresh
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// defaults returns the built-in values for every key.
func defaults() map[string]any {
	return map[string]any{
		"database":                    DefaultDatabasePath(),
		"log.level":                   "info",
		"log.format":                  "text",
		"vault.master_secret":         "",
		"connections.pool_limit":      4,
		"connections.connect_timeout": "8s",
		"connections.retry_backoff":   "250ms",
		"connections.idle_timeout":    "30m",
		"connections.reap_schedule":   "@every 1m",
		"engine.max_concurrent":       8,
		"engine.prefetch_rows":        1000,
		"engine.retain_terminal":      1000,
		"engine.cancel_grace":         "5s",
		"engine.default_timeout":      "0s",
		"results.page_size":           100,
		"results.pages_per_result":    64,
		"results.max_open":            256,
		"history.retention":           "0s",
		"history.prune_schedule":      "@daily",
		"schema.refresh_schedule":     "",
		"http.addr":                   "127.0.0.1:7411",
	}
}

// DefaultDatabasePath is the app database under the user config directory.
func DefaultDatabasePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "querydesk.db"
	}
	return filepath.Join(dir, "querydesk", "querydesk.db")
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"database":       "database",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"addr":           "http.addr",
	"max-concurrent": "engine.max_concurrent",
	"pool-limit":     "connections.pool_limit",
}

// Loader reads the configuration. It remembers its sources so Watch can
// reload with the same precedence.
type Loader struct {
	path  string
	flags *pflag.FlagSet
}

// NewLoader creates a Loader. An empty path looks for FileName in the
// working directory, then in the user config directory; a missing file is
// not an error unless the path was given explicitly.
func NewLoader(path string, flags *pflag.FlagSet) *Loader {
	return &Loader{path: path, flags: flags}
}

// Path returns the config file in use, or "" when there is none.
func (l *Loader) Path() string {
	if l.path != "" {
		return l.path
	}
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	if dir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(dir, "querydesk", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load builds a Config.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path := l.Path(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// 3. Environment (QUERYDESK_ prefix)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags, only those explicitly set
	if l.flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(l.flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(l.flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	for key, v := range map[string]int{
		"connections.pool_limit":   c.Connections.PoolLimit,
		"engine.max_concurrent":    c.Engine.MaxConcurrent,
		"engine.prefetch_rows":     c.Engine.PrefetchRows,
		"engine.retain_terminal":   c.Engine.RetainTerminal,
		"results.page_size":        c.Results.PageSize,
		"results.pages_per_result": c.Results.PagesPerResult,
		"results.max_open":         c.Results.MaxOpen,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	if c.Connections.ConnectTimeout <= 0 {
		return fmt.Errorf("connections.connect_timeout must be positive")
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}
