// Package leaders rebuilds leaderboard snapshot tables after the
// calculation stages complete.
package leaders

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotNameRequired is returned when a snapshot has no name
	ErrSnapshotNameRequired = errors.New("snapshot name is required")
	// ErrSnapshotSQLRequired is returned when a snapshot has no SQL template
	ErrSnapshotSQLRequired = errors.New("snapshot sql template is required")
	// ErrDuplicateSnapshot is returned when two snapshots share a name
	ErrDuplicateSnapshot = errors.New("duplicate snapshot name")
)

// SnapshotConfig declares one leaderboard snapshot table and the SELECT
// template that fills it. Templates see `limit` and `year` variables and
// the sprig function set.
type SnapshotConfig struct {
	Name string `yaml:"name"`
	SQL  string `yaml:"sql"`
}

// Config defines leaderboard refresh settings. When no snapshots are
// declared, the built-in career and single-season boards are used.
type Config struct {
	Enabled   bool             `yaml:"enabled" default:"true"`
	Limit     int              `yaml:"limit" default:"100"`
	Snapshots []SnapshotConfig `yaml:"snapshots"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Limit <= 0 {
		c.Limit = 100
	}

	seen := make(map[string]struct{}, len(c.Snapshots))

	for i := range c.Snapshots {
		snap := &c.Snapshots[i]

		if snap.Name == "" {
			return ErrSnapshotNameRequired
		}

		if snap.SQL == "" {
			return fmt.Errorf("%w: %s", ErrSnapshotSQLRequired, snap.Name)
		}

		if _, dup := seen[snap.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSnapshot, snap.Name)
		}

		seen[snap.Name] = struct{}{}
	}

	return nil
}

// Effective returns the configured snapshots, falling back to the built-in
// boards when none are declared.
func (c *Config) Effective() []SnapshotConfig {
	if len(c.Snapshots) > 0 {
		return c.Snapshots
	}

	return DefaultSnapshots()
}
