package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chtemp(t *testing.T) string {
	t.Helper()
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "rankgrid.db", cfg.Store.SQLitePath)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Scan.DefaultGridSize)
	assert.Equal(t, 60, cfg.Scan.QueueRetrySecs)
	assert.Equal(t, 200, cfg.Scan.GroupDailyCap)
	assert.True(t, cfg.Schedule.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/grid.db
log:
  level: debug
  format: console
server:
  port: 9090
scan:
  default_grid_size: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/grid.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scan.DefaultGridSize)
	// Defaults still apply for unset values
	assert.Equal(t, 200, cfg.Scan.GroupDailyCap)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chtemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RANKGRID_STORE_DRIVER", "postgres")
	t.Setenv("RANKGRID_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadUnprefixedAliases(t *testing.T) {
	chtemp(t)

	t.Setenv("DATABASE_URL", "postgres://localhost/rankgrid")
	t.Setenv("BING_SEARCH_API_KEY", "bing-key-123")
	t.Setenv("PROXY_LIST", "http://p1:8080,http://p2:8080")
	t.Setenv("DEFAULT_GRID_SIZE", "9")
	t.Setenv("CORS_ORIGIN", "https://dash.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/rankgrid", cfg.Store.DatabaseURL)
	assert.Equal(t, "bing-key-123", cfg.Engines.BingAPIKey)
	assert.Equal(t, "http://p1:8080,http://p2:8080", cfg.Proxy.List)
	assert.Equal(t, 9, cfg.Scan.DefaultGridSize)
	assert.Equal(t, "https://dash.example.com", cfg.Server.CORSOrigin)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("RANKGRID_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
