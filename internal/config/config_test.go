package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:37780", cfg.ListenAddr())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[aggregator]
workers = 2
retry_delay = "250ms"

[logging]
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
	assert.Equal(t, 2, cfg.Aggregator.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Aggregator.RetryDelay)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Ranking.Size)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RANKD_DB", "/tmp/x.db")
	t.Setenv("RANKD_PORT", "4000")
	t.Setenv("RANKD_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RANKD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Events.RedisURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(writeConfig(t, "[server\nport = 1"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[ranking]\nsize = 0\n"))
	assert.ErrorContains(t, err, "ranking.size")

	_, err = Load(writeConfig(t, "[logging]\nformat = \"xml\"\n"))
	assert.ErrorContains(t, err, "logging.format")

	t.Setenv("RANKD_PORT", "http")
	_, err = Load("")
	assert.ErrorContains(t, err, "RANKD_PORT")
}
