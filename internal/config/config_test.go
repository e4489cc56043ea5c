package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Relay.Port)
	assert.Equal(t, "roost", cfg.Relay.Name)
	assert.False(t, cfg.Relay.OwnerOnly)
	assert.Equal(t, int64(600), cfg.Relay.CreatedAtFutureLimit)
	assert.Equal(t, 1024, cfg.Limits.MaxConnections)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_PORT", "9001")
	t.Setenv("RELAY_NAME", "my-relay")
	t.Setenv("RELAY_MIN_POW", "16")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RELAY_EVENTS_PER_SECOND", "42")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Relay.Port)
	assert.Equal(t, "my-relay", cfg.Relay.Name)
	assert.Equal(t, 16, cfg.Relay.MinPow)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 42, cfg.Limits.EventsPerSecond)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("relay:\n  PORT: 7070\n  NAME: filed\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Relay.Port)
	assert.Equal(t, "filed", cfg.Relay.Name)
	// Untouched settings keep their defaults.
	assert.Equal(t, "./data", cfg.Relay.DataDir)
}

func TestLoadRejectsInvalidPubkey(t *testing.T) {
	t.Setenv("RELAY_PUBLIC_KEY", "not-a-pubkey")

	_, err := Load("", nil)
	assert.Error(t, err)
}

func TestLoadOwnerOnlyRequiresOwnerPubkey(t *testing.T) {
	t.Setenv("RELAY_OWNER_ONLY", "true")

	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOSTR_OWNER_PUBKEY")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load("", nil)
	assert.Error(t, err)
}
