// Package config loads application configuration from config.yaml and the
// environment, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Engines  EnginesConfig  `yaml:"engines" mapstructure:"engines"`
	Proxy    ProxyConfig    `yaml:"proxy" mapstructure:"proxy"`
	Scan     ScanConfig     `yaml:"scan" mapstructure:"scan"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port       int    `yaml:"port" mapstructure:"port"`
	CORSOrigin string `yaml:"cors_origin" mapstructure:"cors_origin"`
}

// EnginesConfig holds per-engine credentials and overrides.
type EnginesConfig struct {
	BingAPIKey         string   `yaml:"bing_api_key" mapstructure:"bing_api_key"`
	GooglePlacesAPIKey string   `yaml:"google_places_api_key" mapstructure:"google_places_api_key"`
	ConfigFile         string   `yaml:"config_file" mapstructure:"config_file"`
	Disabled           []string `yaml:"disabled" mapstructure:"disabled"`
}

// ProxyConfig configures the outbound proxy pool. List is comma-separated;
// File holds one proxy per line with # comments.
type ProxyConfig struct {
	List string `yaml:"list" mapstructure:"list"`
	File string `yaml:"file" mapstructure:"file"`
}

// ScanConfig holds scan orchestration knobs.
type ScanConfig struct {
	DefaultGridSize int `yaml:"default_grid_size" mapstructure:"default_grid_size"`
	QueueRetrySecs  int `yaml:"queue_retry_secs" mapstructure:"queue_retry_secs"`
	GroupDailyCap   int `yaml:"group_daily_cap" mapstructure:"group_daily_cap"`
}

// ScheduleConfig controls the cron scheduler.
type ScheduleConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml (optional) and RANKGRID_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RANKGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common unprefixed variables
	v.BindEnv("store.database_url", "RANKGRID_STORE_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("engines.bing_api_key", "RANKGRID_ENGINES_BING_API_KEY", "BING_SEARCH_API_KEY")
	v.BindEnv("engines.google_places_api_key", "RANKGRID_ENGINES_GOOGLE_PLACES_API_KEY", "GOOGLE_PLACES_API_KEY")
	v.BindEnv("scan.default_grid_size", "RANKGRID_SCAN_DEFAULT_GRID_SIZE", "DEFAULT_GRID_SIZE")
	v.BindEnv("proxy.list", "RANKGRID_PROXY_LIST", "PROXY_LIST")
	v.BindEnv("proxy.file", "RANKGRID_PROXY_FILE", "PROXY_FILE")
	v.BindEnv("log.level", "RANKGRID_LOG_LEVEL", "LOG_LEVEL")
	v.BindEnv("server.cors_origin", "RANKGRID_SERVER_CORS_ORIGIN", "CORS_ORIGIN")

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "rankgrid.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scan.default_grid_size", 7)
	v.SetDefault("scan.queue_retry_secs", 60)
	v.SetDefault("scan.group_daily_cap", 200)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger builds the global zap logger from the log config.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
