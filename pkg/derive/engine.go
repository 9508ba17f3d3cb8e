package derive

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
)

// Engine runs calculation stages against the loaded stats.
type Engine struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewEngine creates a calculation engine.
func NewEngine(log logrus.FieldLogger, client postgres.Client) *Engine {
	return &Engine{
		log:    log.WithField("component", "derive"),
		client: client,
	}
}

// Run executes a single stage for the given scope.
func (e *Engine) Run(ctx context.Context, stage string, scope Scope) (*StageResult, error) {
	start := time.Now()

	var (
		written int
		skipped int
		err     error
	)

	switch stage {
	case StageLeagueRunEnvironment:
		written, skipped, err = e.runLeagueRunEnvironment(ctx, scope)
	case StageRunValues:
		written, skipped, err = e.runRunValues(ctx, scope)
	case StageFIPConstants:
		written, skipped, err = e.runFIPConstants(ctx, scope)
	case StageSubLeagueBattingEnvironment:
		written, skipped, err = e.runSubLeagueBattingEnvironment(ctx, scope)
	case StageSubLeaguePitchingEnvironment:
		written, skipped, err = e.runSubLeaguePitchingEnvironment(ctx, scope)
	case StagePlayerBattingMetrics:
		written, skipped, err = e.runPlayerBattingMetrics(ctx, scope)
	case StagePlayerPitchingMetrics:
		written, skipped, err = e.runPlayerPitchingMetrics(ctx, scope)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	if err != nil {
		return nil, fmt.Errorf("stage %s failed: %w", stage, err)
	}

	result := &StageResult{
		Stage:         stage,
		Scope:         scope,
		RowsWritten:   written,
		GroupsSkipped: skipped,
		Duration:      time.Since(start),
	}

	e.log.WithFields(logrus.Fields{
		"stage":    stage,
		"scope":    scope.String(),
		"written":  written,
		"skipped":  skipped,
		"duration": result.Duration.Round(time.Millisecond).String(),
	}).Info("Calculation stage completed")

	return result, nil
}

// RunCascade executes every stage in dependency order, stopping at the
// first failure. Results for completed stages are returned either way.
func (e *Engine) RunCascade(ctx context.Context, scope Scope) ([]*StageResult, error) {
	order, err := StageOrder()
	if err != nil {
		return nil, err
	}

	results := make([]*StageResult, 0, len(order))

	for _, spec := range order {
		result, err := e.Run(ctx, spec.Name, scope)
		if err != nil {
			return results, err
		}

		results = append(results, result)
	}

	return results, nil
}
