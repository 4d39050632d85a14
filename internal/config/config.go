// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DBURL               string        `mapstructure:"DB_URL"`
	ListenAddr          string        `mapstructure:"LISTEN_ADDR"`
	RecentActivityLimit int           `mapstructure:"RECENT_ACTIVITY_LIMIT"`
	StorageTimeout      time.Duration `mapstructure:"STORAGE_TIMEOUT"`
	ProcessRetryMax     int           `mapstructure:"PROCESS_RETRY_MAX"`
	ProcessRetryBackoff time.Duration `mapstructure:"PROCESS_RETRY_BACKOFF"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("RECENT_ACTIVITY_LIMIT", 50)
	viper.SetDefault("STORAGE_TIMEOUT", "5s")
	viper.SetDefault("PROCESS_RETRY_MAX", 3)
	viper.SetDefault("PROCESS_RETRY_BACKOFF", "500ms")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables. Keys without defaults must be bound
	// explicitly for Unmarshal to see env-only values.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("DB_URL")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.RecentActivityLimit <= 0 {
		return nil, errors.New("RECENT_ACTIVITY_LIMIT must be a positive integer")
	}
	if cfg.StorageTimeout <= 0 {
		return nil, errors.New("STORAGE_TIMEOUT must be a positive duration")
	}
	if cfg.ProcessRetryMax < 1 {
		return nil, errors.New("PROCESS_RETRY_MAX must be at least 1")
	}

	return &cfg, nil
}
