// Package config loads process settings from the environment. A .env file
// in the working directory is read first when present; variables already
// set in the environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/codetesla51/raw-http-pool/pool"
	"github.com/codetesla51/raw-http-pool/store"
)

// Config is everything main needs to start the server. Database and Pool
// carry their own env tags.
type Config struct {
	Port     int          `env:"PORT" envDefault:"3000"`
	Store    string       `env:"STORE" envDefault:"postgres"` // "postgres" or "memory"
	LogLevel logrus.Level `env:"LOG_LEVEL" envDefault:"info"`
	Database store.PostgresConfig
	Pool     pool.Config
}

// Addr is the listen address for Port on all interfaces.
func (c Config) Addr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for unset or empty ones. Every unparseable or inconsistent
// value is reported in one error.
func FromEnv() (Config, error) {
	var c Config
	var errs []error
	if err := env.Parse(&c); err != nil {
		errs = append(errs, err)
	}

	if c.Store != "postgres" && c.Store != "memory" {
		errs = append(errs, fmt.Errorf("STORE: unknown store %q", c.Store))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d out of range", c.Port))
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}
