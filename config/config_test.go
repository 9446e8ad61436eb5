package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Rotation.KeepOldKeys)
	assert.Equal(t, 30*time.Second, cfg.Connection.StateTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "rotation:\n  keep_old_keys: false\nconnection:\n  state_timeout: 45s\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	cfg, err := Load(LoaderOptions{Path: path})
	require.NoError(t, err)
	assert.False(t, cfg.Rotation.KeepOldKeys)
	assert.Equal(t, 45*time.Second, cfg.Connection.StateTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TEAMKEYS_LOG_LEVEL", "debug")
	t.Setenv("TEAMKEYS_STATE_TIMEOUT", "10s")
	t.Setenv("TEAMKEYS_KEEP_OLD_KEYS", "false")

	cfg, err := Load(LoaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Connection.StateTimeout)
	assert.False(t, cfg.Rotation.KeepOldKeys)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(LoaderOptions{Path: "/no/such/file.yaml"})
	assert.Error(t, err)
}
