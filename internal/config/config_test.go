package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8937", cfg.Server.Addr())
	assert.Equal(t, 20, cfg.Auth.RequestsPerSecond)
	assert.True(t, cfg.Auth.RateLimitEnabled)
	assert.True(t, cfg.Pairing.Enabled)
	assert.Contains(t, cfg.Permissions.AllowedCategories, "editor")
}

func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"server":{"port":9000},"auth":{"requests_per_second":5},"permissions":{"allowed_categories":["state"]}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Auth.RequestsPerSecond)
	assert.Equal(t, []string{"state"}, cfg.Permissions.AllowedCategories)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{bad"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.Port)
}

func TestStaticTokenPrefersEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Token = "file-token"
	cfg.Auth.TokenEnv = "AGENTPORT_TEST_TOKEN"

	t.Setenv("AGENTPORT_TEST_TOKEN", "env-token")
	assert.Equal(t, "env-token", cfg.StaticToken())

	t.Setenv("AGENTPORT_TEST_TOKEN", "")
	assert.Equal(t, "file-token", cfg.StaticToken())
}

func TestCategoryAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Permissions.AllowedCategories = []string{"editor", "state"}

	assert.True(t, cfg.CategoryAllowed("editor"))
	assert.True(t, cfg.CategoryAllowed("state"))
	assert.False(t, cfg.CategoryAllowed("command"))
}
