package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config/provider"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv(EnvAllowedOrigins, "")

	cfg, err := Parse([]byte("server: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8130, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:8130", cfg.Server.Address())
	assert.Equal(t, "data", cfg.Server.DataDir)
	assert.Equal(t, 30, cfg.Server.ReadTimeoutSeconds)
	assert.Equal(t, []string{"http://127.0.0.1:8080"}, cfg.Server.AllowedOrigins)

	// File-backed sections derive their paths from data_dir.
	assert.Equal(t, filepath.Join("data", "audit.jsonl"), cfg.Audit.File)

	assert.Equal(t, 60, cfg.RateLimits.MaxRequests)
	assert.Equal(t, 120, cfg.RateLimits.UserMaxRequests)
	assert.Equal(t, 30, cfg.Failover.CooldownBaseSeconds)
	assert.Equal(t, 600, cfg.Failover.CooldownMaxSeconds)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv(EnvAllowedOrigins, "")
	t.Setenv("CFG_TEST_HOST", "0.0.0.0")
	os.Unsetenv("CFG_TEST_PORT")
	os.Unsetenv("CFG_TEST_DATA_DIR")

	cfg, err := Parse([]byte(`
server:
  host: ${CFG_TEST_HOST}
  port: "${CFG_TEST_PORT:-9090}"
  data_dir: ${CFG_TEST_DATA_DIR}
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Unset vars expand to empty and pick up the section default.
	assert.Equal(t, "data", cfg.Server.DataDir)
}

func TestParseAcceptsJSON(t *testing.T) {
	t.Setenv(EnvAllowedOrigins, "")

	cfg, err := Parse([]byte(`{"server": {"port": 9000}}`))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestAllowedOriginsEnvOverride(t *testing.T) {
	t.Setenv(EnvAllowedOrigins, " https://a.example , https://b.example ")

	cfg, err := Parse([]byte("server:\n  allowed_origins: [http://configured.example]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	t.Setenv(EnvAllowedOrigins, "")

	_, err := Parse([]byte("server:\n  port: 99999\n"))
	require.ErrorContains(t, err, "config validation failed")
	assert.ErrorContains(t, err, "port must be between 1 and 65535")

	_, err = Parse([]byte("providers:\n  primary:\n    type: cohere\n    model: m\n"))
	require.ErrorContains(t, err, "providers.primary")
	assert.ErrorContains(t, err, "unsupported type")

	_, err = Parse([]byte("failover:\n  primary: ghost\n"))
	assert.ErrorContains(t, err, `primary provider "ghost" is not defined`)

	_, err = Parse([]byte("not a mapping"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv(EnvAllowedOrigins, "")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8230\n"), 0600))

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 8230, cfg.Server.Port)
	assert.Equal(t, provider.TypeFile, loader.Provider().Type())

	_, _, err = LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
