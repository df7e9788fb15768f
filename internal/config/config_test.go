package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.FreshWindow)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen-addr: ":9000"
external-base-url: "ws://cluster.internal:9000"
bootstrap-tokens:
  - tok-a
  - tok-b
stale-window: 2m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "ws://cluster.internal:9000", cfg.ExternalBaseURL)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.BootstrapTokens)
	assert.Equal(t, 2*time.Minute, cfg.StaleWindow)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`listen-addr: ":9000"`), 0o600))

	t.Setenv("CLUSTER_LISTEN_ADDR", ":9100")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
}

func TestHandshakeTimeoutDefaultsToHeartbeatInterval(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg.HeartbeatInterval, cfg.HandshakeTimeout)
}
