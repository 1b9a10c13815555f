package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigs(t *testing.T) {
	configs, err := DefaultConfigs()
	require.NoError(t, err)

	for _, id := range []string{"google_search", "google_local_finder", "google_maps", "bing_api", "duckduckgo"} {
		c, ok := configs[id]
		require.True(t, ok, "missing built-in config for %s", id)
		assert.Equal(t, id, c.EngineID)
		assert.Positive(t, c.Throttle.MaxPerDay)
	}

	assert.Equal(t, "google", configs["google_search"].ReputationGroup)
	assert.Equal(t, "google", configs["google_maps"].ReputationGroup)
	assert.True(t, configs["bing_api"].IsLegitimateAPI)
	assert.True(t, configs["bing_api"].RequiresAPIKey)
}

func TestLoadConfigs_EmptyPathReturnsDefaults(t *testing.T) {
	configs, err := LoadConfigs("")
	require.NoError(t, err)

	defaults, err := DefaultConfigs()
	require.NoError(t, err)
	assert.Equal(t, defaults, configs)
}

func TestLoadConfigs_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	yaml := `
engines:
  - engine_id: google_search
    reputation_group: google
    throttle:
      min_delay_ms: 1000
      max_delay_ms: 2000
      max_per_hour: 5
      max_per_day: 10
      pause_on_captcha_hours: 48
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	configs, err := LoadConfigs(path)
	require.NoError(t, err)

	// Overridden entry replaced wholesale.
	assert.Equal(t, 10, configs["google_search"].Throttle.MaxPerDay)
	assert.Equal(t, 48, configs["google_search"].Throttle.PauseOnCaptchaHours)

	// Untouched engines keep their defaults.
	defaults, err := DefaultConfigs()
	require.NoError(t, err)
	assert.Equal(t, defaults["duckduckgo"], configs["duckduckgo"])
}

func TestLoadConfigs_MissingFile(t *testing.T) {
	_, err := LoadConfigs(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
