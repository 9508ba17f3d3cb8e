// Package api serves the read-only HTTP surface: run history, table load
// state, queue depth, and Prometheus metrics.
package api

import "errors"

// ErrAddrRequired is returned when the API is enabled but no listen address is configured
var ErrAddrRequired = errors.New("api address is required when the API is enabled")

// Config represents API service configuration
type Config struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:":8080"`
}

// Validate validates the API configuration
func (c *Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return ErrAddrRequired
	}

	return nil
}
