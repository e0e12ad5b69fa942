package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_CACHE_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv(EnvLegacyAPIKey, "")
	t.Setenv(EnvLegacyDBPath, "")
	t.Setenv(EnvLogLevel, "")
	return dir
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[target]
handle = "someone"

[collect]
query_type = "Top"
max_conversations = 25
include_quotes = true

[api]
requests_per_second = 2.5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "someone", cfg.Target.Handle)
	assert.Equal(t, QueryTop, cfg.Collect.QueryType)
	assert.Equal(t, 25, cfg.Collect.MaxConversations)
	assert.True(t, cfg.Collect.IncludeQuotes)
	assert.Equal(t, 2.5, cfg.API.RequestsPerSecond)
	// untouched keys keep their defaults
	assert.Equal(t, 500, cfg.Collect.BatchSize)
	assert.Equal(t, "https://api.twitterapi.io", cfg.API.BaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[api]\nkey = \"from-file\"\n"), 0o600))

	t.Setenv(EnvLegacyAPIKey, "legacy-key")
	t.Setenv(EnvLegacyDBPath, "/tmp/legacy.sqlite3")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv("REPLYWEAVE_COLLECT__BATCH_SIZE", "42")
	t.Setenv("REPLYWEAVE_TARGET__HANDLE", "other")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "legacy-key", cfg.API.Key)
	assert.Equal(t, "/tmp/legacy.sqlite3", cfg.Storage.DBPath)
	assert.Equal(t, 42, cfg.Collect.BatchSize)
	assert.Equal(t, "other", cfg.Target.Handle)
	assert.Equal(t, "warn", cfg.Log.Level)

	t.Setenv("REPLYWEAVE_API__KEY", "prefixed-key")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prefixed-key", cfg.API.Key)
}

func TestSaveThenLoad(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Target.Handle = "roundtrip"
	cfg.Collect.Since = "2025-08-01 00:00:00"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[target\nhandle ="), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty handle", func(c *Config) { c.Target.Handle = " @ " }, false},
		{"zero batch", func(c *Config) { c.Collect.BatchSize = 0 }, false},
		{"unknown query type", func(c *Config) { c.Collect.QueryType = "Oldest" }, false},
		{"negative limit", func(c *Config) { c.Collect.MaxConversations = -1 }, false},
		{"no db", func(c *Config) { c.Storage.DBPath = "" }, false},
		{"top query", func(c *Config) { c.Collect.QueryType = QueryTop }, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.API.Key = "secret"

	r := cfg.Redacted()
	assert.Equal(t, "********", r.API.Key)
	assert.Equal(t, "secret", cfg.API.Key)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "collect.batch_size", envKey("REPLYWEAVE_COLLECT__BATCH_SIZE"))
	assert.Equal(t, "api.key", envKey("REPLYWEAVE_API__KEY"))
}
