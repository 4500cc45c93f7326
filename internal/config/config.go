// Package config loads cloudsub settings from cloudsub-config.json
// (searched in $HOME then the working directory), environment variables
// prefixed CLOUDSUB_, and built-in defaults, in that order of increasing
// precedence for env over file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const configName = "cloudsub-config"

// Config is the resolved runtime configuration.
type Config struct {
	APIBaseURL   string        `mapstructure:"api_base_url" json:"api_base_url"`
	FeedURL      string        `mapstructure:"feed_url" json:"feed_url"`
	Token        string        `mapstructure:"token" json:"token"`
	OrgID        string        `mapstructure:"org_id" json:"org_id"`
	DefaultMode  string        `mapstructure:"default_mode" json:"default_mode"`
	DefaultModel string        `mapstructure:"default_model" json:"default_model"`
	CachePath    string        `mapstructure:"cache_path" json:"cache_path"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout" json:"http_timeout"`
	Debug        bool          `mapstructure:"debug" json:"debug"`
}

// Load reads the config file if present, applies env overrides, and fills
// defaults. A missing file is not an error; a malformed one is.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("json")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLOUDSUB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return withDefaults(&cfg), nil
}

func withDefaults(cfg *Config) *Config {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.cloudsub.dev/v1"
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = "wss://feed.cloudsub.dev/v1/events"
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = "code"
	}
	if cfg.CachePath == "" {
		cfg.CachePath = defaultCachePath()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return cfg
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cloudsub-cache.db"
	}
	return filepath.Join(home, ".cloudsub", "cache.db")
}

// Validate reports fields a connected run cannot proceed without.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("no API token configured, set CLOUDSUB_TOKEN or the token field in %s.json", configName)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must not be empty")
	}
	return nil
}
