package pgstore

import (
	"errors"
	"regexp"
	"time"

	"github.com/specialistvlad/gridbench/internal/env"
)

// Config holds connection settings. URL comes from --store; the pool knobs
// come from the environment.
type Config struct {
	URL             string
	Table           string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ConfigFromEnv reads the GRIDBENCH_DB_* pool settings for url.
func ConfigFromEnv(url string) (Config, error) {
	pingTimeout, err := env.Duration("GRIDBENCH_DB_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpen, err := env.Int("GRIDBENCH_DB_MAX_OPEN_CONNS", 8)
	if err != nil {
		return Config{}, err
	}
	maxIdle, err := env.Int("GRIDBENCH_DB_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	lifetime, err := env.Duration("GRIDBENCH_DB_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             url,
		Table:           env.String("GRIDBENCH_DB_TABLE", "results"),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: lifetime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if !identifier.MatchString(c.Table) {
		return errors.New("GRIDBENCH_DB_TABLE must be a plain identifier")
	}
	if c.PingTimeout <= 0 {
		return errors.New("GRIDBENCH_DB_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("GRIDBENCH_DB_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("GRIDBENCH_DB_MAX_IDLE_CONNS must be between 0 and GRIDBENCH_DB_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("GRIDBENCH_DB_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}
