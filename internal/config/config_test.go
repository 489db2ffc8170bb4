package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_RELAY_SHARE_PROVIDER", "")
	cfg, err := config.Load("/nonexistent/path/config.json")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Empty(t, cfg.Share.Provider)
	assert.NotEmpty(t, cfg.Workspace.WorkingDirectory)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("AGENT_RELAY_SHARE_PROVIDER", "")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"type":"file","path":"/tmp/x"},"server":{"port":9000}}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.StorageConfig{Type: "file", Path: "/tmp/x"}, cfg.Storage)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "host default lost")
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_RELAY_SHARE_PROVIDER", "https://share.example.com/api/share")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"slug":{"provider":"anthropic"}}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://share.example.com/api/share", cfg.Share.Provider)
	assert.Equal(t, "sk-test", cfg.Slug.APIKey)
}

func TestEnsureJWTSecret(t *testing.T) {
	t.Setenv("AGENT_RELAY_JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.Defaults()
	cfg.Server.Auth.Username = "admin"

	require.NoError(t, config.EnsureJWTSecret(path, &cfg))
	assert.Len(t, cfg.Server.Auth.JWTSecret, 64)

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.Auth.JWTSecret, reloaded.Server.Auth.JWTSecret, "secret was not persisted")
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, config.Duration("", time.Second))
	assert.Equal(t, time.Second, config.Duration("bogus", time.Second))
	assert.Equal(t, 90*time.Second, config.Duration("90s", time.Second))
}
