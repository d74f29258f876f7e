package app

import (
	"time"

	"github.com/specialistvlad/gridbench/internal/errs"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// ConfigPaths are files or directories holding .hcl and .yaml files.
	ConfigPaths []string

	LogFormat string
	LogLevel  string
	// LogDir overrides the project's directory for scripts and unit logs.
	LogDir string

	// StoreURL selects the result store, see localsession.OpenStore.
	StoreURL string
	// ObjectStore enables the S3-compatible cache mirror and log upload.
	ObjectStore bool
	// StatusFeedURL is a socket.io endpoint receiving worker status changes.
	StatusFeedURL string

	HealthcheckPort int
	PollInterval    time.Duration
}

// NewConfig validates cfg and returns a copy of it.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, errs.Configf("at least one configuration path is required")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errs.Configf("invalid log level %q: must be 'debug', 'info', 'warn' or 'error'", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json", "auto":
	default:
		return nil, errs.Configf("invalid log format %q: must be 'text', 'json' or 'auto'", cfg.LogFormat)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, errs.Configf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	return &cfg, nil
}
