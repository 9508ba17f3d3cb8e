package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sabermill/sabermill/pkg/admin"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// RunSummary is one batch run in the run history response
type RunSummary struct {
	BatchID     string            `json:"batch_id"`
	BatchType   string            `json:"batch_type"`
	TriggeredBy string            `json:"triggered_by"`
	Environment string            `json:"environment,omitempty"`
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  *int64            `json:"duration_ms,omitempty"`
	Error       *string           `json:"error,omitempty"`
	Summary     *admin.RunSummary `json:"summary,omitempty"`
}

// ListRuns handles GET /api/v1/runs
func (s *Server) ListRuns(c fiber.Ctx) error {
	limit, err := parseLimit(c, defaultRunLimit, maxRunLimit)
	if err != nil {
		return err
	}

	runs, err := s.stores.Runs.Recent(c.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list batch runs")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list runs")
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, buildRunSummary(run))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"runs":  summaries,
		"total": len(summaries),
	})
}

func buildRunSummary(run *admin.BatchRun) RunSummary {
	summary := RunSummary{
		BatchID:     run.BatchID.String(),
		BatchType:   run.BatchType,
		TriggeredBy: run.TriggeredBy,
		Environment: run.Environment,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.ErrorMessage,
		Summary:     run.Summary,
	}

	if run.CompletedAt != nil {
		ms := run.CompletedAt.Sub(run.StartedAt).Milliseconds()
		summary.DurationMs = &ms
	}

	return summary
}

// parseLimit reads the limit query parameter, falling back to a default and
// clamping at a ceiling so one request cannot drag the whole table over
func parseLimit(c fiber.Ctx, fallback, ceiling int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, ErrInvalidLimit
	}

	if limit > ceiling {
		limit = ceiling
	}

	return limit, nil
}
