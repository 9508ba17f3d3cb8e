// Package scheduler triggers periodic pipeline runs in service mode.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrScheduleRequired is returned when no cron schedule is configured
	ErrScheduleRequired = errors.New("schedule is required")
	// ErrInvalidLockTTL is returned when the lock TTL is not positive
	ErrInvalidLockTTL = errors.New("lock ttl must be positive")
)

// Config defines scheduler configuration. Schedule is a five-field cron
// expression (minute granularity) or a descriptor like "@every 6h".
type Config struct {
	Schedule string        `yaml:"schedule" default:"0 */6 * * *"`
	LockTTL  time.Duration `yaml:"lockTTL" default:"10m"`
}

// Validate checks if the scheduler configuration is valid
func (c *Config) Validate() error {
	if c.Schedule == "" {
		return ErrScheduleRequired
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}

	if c.LockTTL <= 0 {
		return ErrInvalidLockTTL
	}

	return nil
}
