package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	koanftoml "github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const appName = "replyweave"

// EnvPrefix prefixes environment overrides. Sections are separated by a
// double underscore: REPLYWEAVE_API__KEY sets api.key.
const EnvPrefix = "REPLYWEAVE_"

// Legacy environment variables still honoured.
const (
	EnvLegacyAPIKey = "TWITTERIO_API_KEY"
	EnvLegacyDBPath = "GROK_DB_PATH"
	EnvLogLevel     = "LOG_LEVEL"
)

// Search query types accepted by the upstream API.
const (
	QueryLatest = "Latest"
	QueryTop    = "Top"
)

// Config holds all application configuration
type Config struct {
	Version  int            `toml:"version" koanf:"version"`
	Target   TargetConfig   `toml:"target" koanf:"target"`
	API      APIConfig      `toml:"api" koanf:"api"`
	Collect  CollectConfig  `toml:"collect" koanf:"collect"`
	Storage  StorageConfig  `toml:"storage" koanf:"storage"`
	Export   ExportConfig   `toml:"export" koanf:"export"`
	Schedule ScheduleConfig `toml:"schedule" koanf:"schedule"`
	Log      LogConfig      `toml:"log" koanf:"log"`
}

// TargetConfig names the tracked account.
type TargetConfig struct {
	Handle string `toml:"handle" koanf:"handle"`
}

type APIConfig struct {
	BaseURL           string  `toml:"base_url" koanf:"base_url"`
	Key               string  `toml:"key" koanf:"key"`
	TimeoutSeconds    int     `toml:"timeout_seconds" koanf:"timeout_seconds"`
	MaxRetries        int     `toml:"max_retries" koanf:"max_retries"`
	RequestsPerSecond float64 `toml:"requests_per_second" koanf:"requests_per_second"`
}

type CollectConfig struct {
	QueryType          string `toml:"query_type" koanf:"query_type"`
	Since              string `toml:"since" koanf:"since"`
	Until              string `toml:"until" koanf:"until"`
	IncludeSelfThreads bool   `toml:"include_self_threads" koanf:"include_self_threads"`
	IncludeQuotes      bool   `toml:"include_quotes" koanf:"include_quotes"`
	IncludeRetweets    bool   `toml:"include_retweets" koanf:"include_retweets"`
	// MaxConversations stops collection after this many distinct
	// conversations. Zero means no limit.
	MaxConversations int  `toml:"max_conversations" koanf:"max_conversations"`
	BatchSize        int  `toml:"batch_size" koanf:"batch_size"`
	CachePages       bool `toml:"cache_pages" koanf:"cache_pages"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path" koanf:"db_path"`
}

type ExportConfig struct {
	OutputPath string `toml:"output_path" koanf:"output_path"`
	Workers    int    `toml:"workers" koanf:"workers"`
}

// ScheduleConfig drives the watch command. Cron uses the standard five
// field format, e.g. "0 */2 * * *".
type ScheduleConfig struct {
	Cron     string `toml:"cron" koanf:"cron"`
	Timezone string `toml:"timezone" koanf:"timezone"`
}

type LogConfig struct {
	Level    string `toml:"level" koanf:"level"`
	Dir      string `toml:"dir" koanf:"dir"`
	ToStdout bool   `toml:"to_stdout" koanf:"to_stdout"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	dataDir, err := ConfigDir()
	if err != nil {
		dataDir = "."
	}

	return &Config{
		Version: 1,
		Target: TargetConfig{
			Handle: "grok",
		},
		API: APIConfig{
			BaseURL:           "https://api.twitterapi.io",
			TimeoutSeconds:    30,
			MaxRetries:        4,
			RequestsPerSecond: 1,
		},
		Collect: CollectConfig{
			QueryType: QueryLatest,
			BatchSize: 500,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(dataDir, "replies.sqlite3"),
		},
		Export: ExportConfig{
			OutputPath: filepath.Join(dataDir, "export", "threads.json"),
			Workers:    4,
		},
		Schedule: ScheduleConfig{
			Cron:     "0 */2 * * *",
			Timezone: "UTC",
		},
		Log: LogConfig{
			Level:    "info",
			Dir:      filepath.Join(dataDir, "logs"),
			ToStdout: true,
		},
	}
}

// ConfigDir returns the platform-appropriate config directory
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appName), nil
}

// ConfigPath returns the full path to the config file
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CacheDir returns the directory for cached upstream pages.
func CacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, appName), nil
}

// Load builds the config from defaults, the TOML file at path (the
// default location when empty) and environment overrides, in that order.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	k := koanf.New(".")

	defaults, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), koanftoml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	legacy := map[string]any{}
	if v := os.Getenv(EnvLegacyAPIKey); v != "" {
		legacy["api.key"] = v
	}
	if v := os.Getenv(EnvLegacyDBPath); v != "" {
		legacy["storage.db_path"] = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		legacy["log.level"] = v
	}
	if len(legacy) > 0 {
		if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load legacy env: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// envKey maps REPLYWEAVE_COLLECT__BATCH_SIZE to collect.batch_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// toMap turns a Config into the nested map koanf loads defaults from.
func toMap(c *Config) (map[string]any, error) {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	m := map[string]any{}
	if _, err := toml.Decode(buf.String(), &m); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return m, nil
}

// Validate reports the first setting that would make a run fail.
func (c *Config) Validate() error {
	if strings.TrimPrefix(strings.TrimSpace(c.Target.Handle), "@") == "" {
		return fmt.Errorf("target.handle is required")
	}
	if c.Collect.BatchSize <= 0 {
		return fmt.Errorf("collect.batch_size must be positive, got %d", c.Collect.BatchSize)
	}
	switch c.Collect.QueryType {
	case QueryLatest, QueryTop:
	default:
		return fmt.Errorf("collect.query_type must be %q or %q, got %q", QueryLatest, QueryTop, c.Collect.QueryType)
	}
	if c.Collect.MaxConversations < 0 {
		return fmt.Errorf("collect.max_conversations must not be negative")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Export.OutputPath == "" {
		return fmt.Errorf("export.output_path is required")
	}
	return nil
}

// Save writes config to path, or the default location when path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.API.Key != "" {
		cp.API.Key = "********"
	}
	return &cp
}
