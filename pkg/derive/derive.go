// Package derive recomputes the sabermetric layer from loaded raw stats:
// league run environments, linear-weight run values, FIP constants, the
// sub-league batting and pitching environments, and the per-player value
// metrics. Stages form a small dependency graph; each stage clears its own
// output for the requested scope before rewriting it, so rerunning a stage
// against unchanged inputs produces identical rows.
package derive

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Define static errors
var (
	ErrUnknownStage = errors.New("unknown calculation stage")
	// ErrMissingDependency means a stage found input rows to process but an
	// upstream stage has written nothing for the scope. The stage fails
	// rather than writing zero-filled output.
	ErrMissingDependency = errors.New("missing upstream calculation rows")
	ErrStageCycle        = errors.New("stage dependencies form a cycle")
)

// Scope selects the seasons a stage recomputes. A nil Year covers every
// season present in the stats.
type Scope struct {
	Year *int
}

// AllSeasons returns the unrestricted scope.
func AllSeasons() Scope {
	return Scope{}
}

// Season returns a scope restricted to one season.
func Season(year int) Scope {
	return Scope{Year: &year}
}

// All reports whether the scope covers every season.
func (s Scope) All() bool {
	return s.Year == nil
}

func (s Scope) String() string {
	if s.Year == nil {
		return "all"
	}

	return strconv.Itoa(*s.Year)
}

// StageResult reports what one stage run did.
type StageResult struct {
	Stage         string
	Scope         Scope
	RowsWritten   int
	GroupsSkipped int
	Duration      time.Duration
}

func missingDependency(stage, upstream string, scope Scope) error {
	return fmt.Errorf("%w: stage %s needs %s output for scope %s",
		ErrMissingDependency, stage, upstream, scope)
}
