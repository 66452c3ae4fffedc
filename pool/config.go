package pool

import (
	"errors"
	"time"
)

// Config holds the tuning knobs of a Pool. Zero IdleTimeout or MaxLifetime
// disables that eviction rule.
// The env tags let the config package bind it from the environment.
type Config struct {
	MaxSize           int           `env:"POOL_MAX_SIZE" envDefault:"15"`
	MinIdle           int           `env:"POOL_MIN_IDLE" envDefault:"2"`
	ConnectionTimeout time.Duration `env:"POOL_CONNECTION_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"10m"`
	MaxLifetime       time.Duration `env:"POOL_MAX_LIFETIME" envDefault:"30m"`
	ReapInterval      time.Duration `env:"POOL_REAP_INTERVAL" envDefault:"30s"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxSize:           15,
		MinIdle:           2,
		ConnectionTimeout: 15 * time.Second,
		IdleTimeout:       10 * time.Minute,
		MaxLifetime:       30 * time.Minute,
		ReapInterval:      30 * time.Second,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.MaxSize < 1:
		return errors.New("pool: max size must be at least 1")
	case c.MinIdle < 0:
		return errors.New("pool: min idle must not be negative")
	case c.MinIdle > c.MaxSize:
		return errors.New("pool: min idle must not exceed max size")
	case c.ConnectionTimeout <= 0:
		return errors.New("pool: connection timeout must be positive")
	case c.IdleTimeout < 0, c.MaxLifetime < 0, c.ReapInterval < 0:
		return errors.New("pool: durations must not be negative")
	}
	return nil
}
