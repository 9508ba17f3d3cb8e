// Package tasks bridges the durable calculation queue to asynq delivery.
package tasks

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// TypeDeriveStage is the task type for calculation stage execution
	TypeDeriveStage = "derive:stage"

	// QueueDerive is the asynq queue carrying stage tasks
	QueueDerive = "derive"
)

// StagePayload carries one durable queue item to a worker. The queue row is
// the source of truth; the payload only identifies it.
type StagePayload struct {
	QueueID    int64     `json:"queue_id"`
	Stage      string    `json:"stage"`
	Year       *int      `json:"year,omitempty"`
	BatchID    uuid.UUID `json:"batch_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ScopeLabel renders the season scope for task IDs and logs.
func (p StagePayload) ScopeLabel() string {
	if p.Year == nil {
		return "all"
	}

	return strconv.Itoa(*p.Year)
}

// UniqueID returns the deduplication ID for this task. One batch enqueues a
// stage at most once per scope.
func (p StagePayload) UniqueID() string {
	return fmt.Sprintf("%s:%s:%s", p.Stage, p.ScopeLabel(), p.BatchID)
}
