package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from KFLOW_* environment variables.
type Config struct {
	BufferSize   int           `envconfig:"BUFFER_SIZE" default:"1000"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"100ms"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON      bool          `envconfig:"LOG_JSON" default:"false"`

	// Schedule is a cron expression. Empty means run once and exit.
	Schedule string `envconfig:"SCHEDULE"`

	// MetricsAddr enables the /metrics endpoint when set.
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("kflow", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.BufferSize < 1 {
		return Config{}, fmt.Errorf("KFLOW_BUFFER_SIZE must be positive, got %d", cfg.BufferSize)
	}
	return cfg, nil
}
