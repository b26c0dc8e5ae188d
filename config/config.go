package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIListenAddr string        `mapstructure:"api_listen_addr"`
	WSListenAddr  string        `mapstructure:"ws_listen_addr"`
	MediaURL      string        `mapstructure:"media_url"`
	RingTimeout   time.Duration `mapstructure:"ring_timeout"`
	LogLevel      string        `mapstructure:"log_level"`
}

// Load reads the optional config file named by SIGNALING_CONFIG (or
// config/signaling.yaml), layered over defaults and SIGNALING_* env vars.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("SIGNALING_CONFIG")
	if fileName == "" {
		fileName = "config/signaling.yaml"
	}
	v.SetConfigFile(fileName)

	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("media_url", "http://127.0.0.1:9091")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("log_level", "debug")

	v.SetEnvPrefix("signaling")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(fileName); statErr == nil {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		// No file is fine, defaults and env cover everything.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
