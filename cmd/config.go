package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/triadlabs/magi/logging"
)

const (
	configName = "config"
	configType = "yaml"
	configDir  = ".magi"
	envPrefix  = "MAGI"
)

// appConfig is the resolved CLI configuration: file values overridden by
// MAGI_* environment variables overridden by flags.
type appConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	Rounds      int           `mapstructure:"rounds"`
	Concurrent  bool          `mapstructure:"concurrent"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
}

func loadConfig() (*viper.Viper, error) {
	cfg := viper.New()
	cfg.SetConfigName(configName)
	cfg.SetConfigType(configType)

	if homeDir, err := os.UserHomeDir(); err == nil {
		cfg.AddConfigPath(filepath.Join(homeDir, configDir))
	}
	cfg.AddConfigPath(".")

	cfg.SetEnvPrefix(envPrefix)
	cfg.AutomaticEnv()

	cfg.SetDefault("provider", "openai")
	cfg.SetDefault("model", "")
	cfg.SetDefault("rounds", 3)
	cfg.SetDefault("concurrent", false)
	cfg.SetDefault("step_timeout", 90*time.Second)
	cfg.SetDefault("log_level", "warn")
	cfg.SetDefault("log_format", "text")

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return cfg, nil
}

func resolveConfig(cfg *viper.Viper) (*appConfig, error) {
	var app appConfig
	if err := cfg.Unmarshal(&app); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &app, nil
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LogLevelDebug
	case "info":
		return logging.LogLevelInfo
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelWarn
	}
}
