// Package config loads process configuration from the environment.
// Command-line flags override these values in internal/cli.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment configuration shared by every command.
type Config struct {
	Addr         string        `env:"TANDEM_ADDR" envDefault:"127.0.0.1:8080"`
	DBPath       string        `env:"TANDEM_DB_PATH" envDefault:"tandem.db"`
	LogLevel     string        `env:"TANDEM_LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string        `env:"TANDEM_OTEL_ENDPOINT"`
	ServerURL    string        `env:"TANDEM_SERVER_URL" envDefault:"http://127.0.0.1:8080"`
	TickInterval time.Duration `env:"TANDEM_TICK_INTERVAL" envDefault:"5s"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load returns the configuration from the environment with defaults
// applied.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if _, err := cfg.Level(); err != nil {
		return Config{}, err
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("TANDEM_TICK_INTERVAL must be positive, got %s", cfg.TickInterval)
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("TANDEM_LOG_LEVEL: %w", err)
	}
	return level, nil
}
