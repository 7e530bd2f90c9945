package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.NotEmpty(t, cfg.Server.URL)
	assert.NotEmpty(t, cfg.Daemon.PidFile)
	assert.NotEmpty(t, cfg.Daemon.SocketFile)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, "/var/lib/hurry/cas", cfg.CAS.Directory)
	// No database DSN by default; a real deployment must supply one.
	assert.Error(t, cfg.Validate())
}

func TestLoadClientConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  url: https://example.test/api/v1\n"), 0o644))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/api/v1", cfg.Server.URL)
}

func TestLoadClientConfigEnvOverride(t *testing.T) {
	t.Setenv("HURRY_SERVER_URL", "https://env.test/api/v1")
	t.Setenv("HURRY_SERVER_TOKEN", "tok-from-env")

	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.test/api/v1", cfg.Server.URL)
	assert.Equal(t, "tok-from-env", cfg.Server.Token)
}

func TestLoadServerConfigMissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestServerConfigValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Database.IndexDSN = "postgres://localhost/hurry"
	assert.NoError(t, cfg.Validate())

	cfg.Logging.Level = "TRACE"
	assert.Error(t, cfg.Validate())
}
