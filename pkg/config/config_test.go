package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultIsValid verifies the built-in defaults pass validation
func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 120*time.Second, cfg.Presence.IdleThreshold)
	assert.Equal(t, time.Second, cfg.Fanout.CoalesceWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.Presence.StoreTimeout)
}

// TestLoadFromYAMLAndEnv verifies file values are overridden by the environment
func TestLoadFromYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_addr: ":9000"
presence:
  record_ttl: 20m
store:
  shard_count: 32
  nodes: [east, west]
fanout:
  coalesce_window: 500ms
notify:
  dnd_patterns: ["(?i)busy busy"]
`), 0o600))

	t.Setenv("PRESENCE_CONFIG", path)
	t.Setenv("PRESENCE_SHARD_COUNT", "64")
	t.Setenv("CLUSTER_ENABLED", "true")
	t.Setenv("DATABASE_URL", "postgres://presence:secret@db:5432/presence")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, 20*time.Minute, cfg.Presence.RecordTTL)
	assert.Equal(t, 64, cfg.Store.ShardCount)
	assert.Equal(t, []string{"east", "west"}, cfg.Store.Nodes)
	assert.Equal(t, 500*time.Millisecond, cfg.Fanout.CoalesceWindow)
	assert.Equal(t, []string{"(?i)busy busy"}, cfg.Notify.DNDPatterns)
	assert.True(t, cfg.Cluster.Enabled)
	assert.True(t, cfg.Database.IsPostgres())
	assert.Equal(t, 120*time.Second, cfg.Presence.IdleThreshold, "unset keys keep defaults")
}

// TestLoadMissingExplicitFile verifies a named but missing file is an error
func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("PRESENCE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

// TestInvalidEnvValuesKeepDefaults verifies malformed overrides are ignored
func TestInvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("PRESENCE_SHARD_COUNT", "many")
	t.Setenv("PRESENCE_COALESCE_WINDOW", "soon")

	cfg := Default()
	cfg.applyEnv()
	assert.Equal(t, 16, cfg.Store.ShardCount)
	assert.Equal(t, time.Second, cfg.Fanout.CoalesceWindow)
}

// TestValidateRejects verifies inconsistent configurations
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"thresholds out of order", func(c *Config) { c.Presence.AwayThreshold = c.Presence.IdleThreshold }},
		{"no shards", func(c *Config) { c.Store.ShardCount = 0 }},
		{"single node", func(c *Config) { c.Store.Nodes = []string{"only"} }},
		{"duplicate nodes", func(c *Config) { c.Store.Nodes = []string{"a", "a"} }},
		{"slow store", func(c *Config) { c.Presence.StoreTimeout = 5 * time.Second }},
		{"zero rate limit", func(c *Config) { c.RateLimit.Limit = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"cluster without node", func(c *Config) { c.Cluster.Enabled = true; c.Cluster.NodeID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestMaskDatabaseURL verifies credentials are not logged
func TestMaskDatabaseURL(t *testing.T) {
	masked := MaskDatabaseURL("postgres://presence:secret@db:5432/presence")
	assert.NotContains(t, masked, "secret")
	assert.Equal(t, "***", MaskDatabaseURL("short"))
}
