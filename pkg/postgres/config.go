// Package postgres provides the PostgreSQL client used by every service
package postgres

import (
	"errors"
	"os"
	"time"
)

// Static errors for configuration validation
var (
	ErrDSNRequired = errors.New("postgres DSN is required")
)

// Config contains PostgreSQL connection and pool settings
type Config struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	QueryTimeout    time.Duration `yaml:"queryTimeout"`
	InsertTimeout   time.Duration `yaml:"insertTimeout"`
	Debug           bool          `yaml:"debug"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrDSNRequired
	}

	return nil
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}

	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}

	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}

	if c.QueryTimeout == 0 {
		c.QueryTimeout = 30 * time.Second
	}

	if c.InsertTimeout == 0 {
		c.InsertTimeout = 5 * time.Minute
	}
}

// ExpandedDSN returns the DSN with environment variable references expanded,
// so secrets can stay out of the YAML file.
func (c *Config) ExpandedDSN() string {
	return os.ExpandEnv(c.DSN)
}
