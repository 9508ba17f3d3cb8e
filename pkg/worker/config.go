package worker

import (
	"errors"
)

// ErrInvalidConcurrency is returned when concurrency is not positive
var ErrInvalidConcurrency = errors.New("concurrency must be positive")

// Config contains worker pool settings
type Config struct {
	Concurrency     int `yaml:"concurrency" default:"10"`
	ShutdownTimeout int `yaml:"shutdownTimeout" default:"30"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	return nil
}
