package handlers

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sabermill/sabermill/pkg/admin"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
)

// QueueItemSummary is one calculation queue item in the queue response
type QueueItemSummary struct {
	ID              int64      `json:"id"`
	BatchID         string     `json:"batch_id"`
	TableName       string     `json:"table_name"`
	CalculationType string     `json:"calculation_type"`
	Year            *int       `json:"year,omitempty"`
	PlayerID        *int       `json:"player_id,omitempty"`
	TeamID          *int       `json:"team_id,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Priority        int        `json:"priority"`
	Status          string     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ListQueue handles GET /api/v1/queue
func (s *Server) ListQueue(c fiber.Ctx) error {
	status := c.Query("status")
	if !validQueueStatus(status) {
		return ErrInvalidStatus
	}

	limit, err := parseLimit(c, defaultQueueLimit, maxQueueLimit)
	if err != nil {
		return err
	}

	ctx := c.Context()

	counts, err := s.stores.Queue.Counts(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to count queue items")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list queue")
	}

	items, err := s.stores.Queue.List(ctx, status, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list queue items")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list queue")
	}

	summaries := make([]QueueItemSummary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, buildQueueItemSummary(item))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"counts": counts,
		"items":  summaries,
		"total":  len(summaries),
	})
}

func buildQueueItemSummary(item *admin.CalculationQueueItem) QueueItemSummary {
	return QueueItemSummary{
		ID:              item.ID,
		BatchID:         item.BatchID.String(),
		TableName:       item.TableName,
		CalculationType: item.CalculationType,
		Year:            item.Year,
		PlayerID:        item.PlayerID,
		TeamID:          item.TeamID,
		DependsOn:       item.DependsOn,
		Priority:        item.Priority,
		Status:          item.Status,
		RetryCount:      item.RetryCount,
		Error:           item.ErrorMessage,
		CreatedAt:       item.CreatedAt,
		StartedAt:       item.StartedAt,
		CompletedAt:     item.CompletedAt,
	}
}

func validQueueStatus(status string) bool {
	switch status {
	case "", admin.QueueStatusPending, admin.QueueStatusProcessing,
		admin.QueueStatusCompleted, admin.QueueStatusFailed:
		return true
	default:
		return false
	}
}
