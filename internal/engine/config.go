package engine

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Throttle holds the pacing limits for one engine.
type Throttle struct {
	MinDelayMs          int  `yaml:"min_delay_ms"`
	MaxDelayMs          int  `yaml:"max_delay_ms"`
	MaxPerHour          int  `yaml:"max_per_hour"`
	MaxPerDay           int  `yaml:"max_per_day"`
	JitterMs            int  `yaml:"jitter_ms"`
	BackoffOnError      bool `yaml:"backoff_on_error"`
	PauseOnCaptchaHours int  `yaml:"pause_on_captcha_hours"`
}

// Config is an engine's immutable configuration.
type Config struct {
	EngineID        string   `yaml:"engine_id"`
	ReputationGroup string   `yaml:"reputation_group,omitempty"`
	Throttle        Throttle `yaml:"throttle"`
	IsLegitimateAPI bool     `yaml:"is_legitimate_api"`
	RequiresAPIKey  bool     `yaml:"requires_api_key"`
}

//go:embed defaults.yaml
var defaultsYAML []byte

// DefaultConfigs returns the built-in per-engine throttle profiles.
func DefaultConfigs() (map[string]Config, error) {
	return parseConfigs(defaultsYAML)
}

// ParseConfigs reads engine configs from YAML, for deployments overriding
// the built-in profiles.
func ParseConfigs(data []byte) (map[string]Config, error) {
	return parseConfigs(data)
}

// LoadConfigs returns the built-in profiles overlaid with the YAML file at
// path. An empty path returns the defaults. Overrides replace whole engine
// entries, keyed by engine_id.
func LoadConfigs(path string) (map[string]Config, error) {
	configs, err := DefaultConfigs()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return configs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: read configs %s", path)
	}
	overrides, err := parseConfigs(data)
	if err != nil {
		return nil, err
	}
	for id, c := range overrides {
		configs[id] = c
	}
	return configs, nil
}

func parseConfigs(data []byte) (map[string]Config, error) {
	var doc struct {
		Engines []Config `yaml:"engines"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "engine: parse configs")
	}

	out := make(map[string]Config, len(doc.Engines))
	for _, c := range doc.Engines {
		if c.EngineID == "" {
			return nil, eris.New("engine: config missing engine_id")
		}
		out[c.EngineID] = c
	}
	return out, nil
}
