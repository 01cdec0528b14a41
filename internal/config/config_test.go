package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RawleySM/agentic-context-engine/internal/permission"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Loop.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Loop.RunTimeout.Duration())
	assert.Equal(t, 0.80, cfg.Loop.Thresholds["branch"])
	assert.Equal(t, 0.85, cfg.Loop.Thresholds["lines"])
	assert.Equal(t, 2, cfg.Subagent.MaxDepth)
	assert.Equal(t, permission.ModeAcceptEdits, cfg.PermissionMode())
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative retries", func(c *Config) { c.Loop.MaxRetries = -1 }, "max_retries"},
		{"bad permission", func(c *Config) { c.Loop.Permission = "root" }, "permission"},
		{"threshold out of range", func(c *Config) { c.Loop.Thresholds["branch"] = 1.5 }, "thresholds"},
		{"zero depth", func(c *Config) { c.Subagent.MaxDepth = 0 }, "max_depth"},
		{"nats enabled without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
loop:
  max_retries: 5
  permission: plan
  thresholds:
    branch: 0.9
http:
  addr: ":8080"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Loop.MaxRetries)
	assert.Equal(t, permission.ModePlan, cfg.PermissionMode())
	assert.Equal(t, 0.9, cfg.Loop.Thresholds["branch"])
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	// Untouched values keep defaults.
	assert.Equal(t, 2, cfg.Subagent.MaxDepth)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  max_retries: 5\n"), 0o600))

	t.Setenv("ACE_LOOP_MAX_RETRIES", "7")
	t.Setenv("ACE_HTTP_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Loop.MaxRetries)
	assert.Equal(t, ":7777", cfg.HTTP.Addr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Loop.MaxRetries, cfg.Loop.MaxRetries)
}

func TestEnvTransformer(t *testing.T) {
	assert.Equal(t, "loop.max_retries", envTransformer("ACE_LOOP_MAX_RETRIES"))
	assert.Equal(t, "http.addr", envTransformer("ACE_HTTP_ADDR"))
	assert.Equal(t, "nats.url", envTransformer("ACE_NATS_URL"))
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
