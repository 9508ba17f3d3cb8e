package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/observability"
)

// QueueStore is the durable queue surface the handler needs. The etl
// row, not asynq delivery, decides whether a stage actually runs.
type QueueStore interface {
	Claim(ctx context.Context, id int64) (*admin.CalculationQueueItem, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) (retried bool, err error)
}

// StageRunner executes one calculation stage for a scope.
type StageRunner interface {
	Run(ctx context.Context, stage string, scope derive.Scope) (*derive.StageResult, error)
}

// StageHandler consumes derive:stage tasks from asynq and drives the
// claim, run, complete cycle against the durable queue.
type StageHandler struct {
	store  QueueStore
	runner StageRunner
	log    logrus.FieldLogger
}

// NewStageHandler creates a stage task handler.
func NewStageHandler(log logrus.FieldLogger, store QueueStore, runner StageRunner) *StageHandler {
	return &StageHandler{
		store:  store,
		runner: runner,
		log:    log.WithField("component", "stage-handler"),
	}
}

// getWorkerID identifies this worker process for metrics. Asynq does not
// expose a worker ID, so the hostname stands in.
func getWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "worker-unknown"
	}

	return hostname
}

// HandleStage processes one stage task. Claim failures fall into three
// buckets: dependencies still pending (retry later), row already taken
// or gone (another delivery won, drop silently), anything else (real
// error). Execution failures go through Fail so the durable retry count
// stays authoritative.
func (h *StageHandler) HandleStage(ctx context.Context, t *asynq.Task) error {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		observability.RecordError("stage-handler", "unmarshal_error")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	log := h.log.WithFields(logrus.Fields{
		"queue_id": payload.QueueID,
		"stage":    payload.Stage,
		"scope":    payload.ScopeLabel(),
		"batch_id": payload.BatchID,
	})

	item, err := h.store.Claim(ctx, payload.QueueID)
	if err != nil {
		switch {
		case errors.Is(err, admin.ErrDependenciesPending):
			log.Debug("Dependencies still pending, retrying later")
			return fmt.Errorf("stage %s not runnable yet: %w", payload.Stage, err)
		case errors.Is(err, admin.ErrNotPending), errors.Is(err, admin.ErrItemNotFound):
			log.Debug("Queue item no longer pending, dropping delivery")
			return nil
		default:
			observability.RecordError("stage-handler", "claim_error")
			return fmt.Errorf("failed to claim queue item %d: %w", payload.QueueID, err)
		}
	}

	scope := derive.AllSeasons()
	if item.Year != nil {
		scope = derive.Season(*item.Year)
	}

	workerID := getWorkerID()
	startTime := time.Now()

	observability.RecordStageStart(item.CalculationType, workerID)
	log.Info("Starting calculation stage")

	result, err := h.runner.Run(ctx, item.CalculationType, scope)
	if err != nil {
		observability.RecordStageComplete(item.CalculationType, workerID, "failed", time.Since(startTime).Seconds())
		observability.RecordError("stage-handler", "execution_error")

		retried, failErr := h.store.Fail(ctx, payload.QueueID, err.Error())
		if failErr != nil {
			log.WithError(failErr).Error("Failed to record stage failure")
			return fmt.Errorf("stage %s failed and could not be marked: %w", item.CalculationType, failErr)
		}

		if retried {
			log.WithError(err).Warn("Calculation stage failed, queued for retry")
			return fmt.Errorf("stage %s failed: %w", item.CalculationType, err)
		}

		log.WithError(err).Error("Calculation stage failed permanently")

		return fmt.Errorf("stage %s exhausted retries: %v: %w", item.CalculationType, err, asynq.SkipRetry)
	}

	if err := h.store.Complete(ctx, payload.QueueID); err != nil {
		observability.RecordError("stage-handler", "complete_error")
		return fmt.Errorf("failed to mark queue item %d completed: %w", payload.QueueID, err)
	}

	observability.RecordStageComplete(item.CalculationType, workerID, "success", time.Since(startTime).Seconds())
	observability.RecordStageRows(item.CalculationType, float64(result.RowsWritten))

	log.WithFields(logrus.Fields{
		"rows_written":   result.RowsWritten,
		"groups_skipped": result.GroupsSkipped,
		"duration":       result.Duration,
	}).Info("Calculation stage completed")

	return nil
}

// Routes returns the asynq handler routes.
func (h *StageHandler) Routes() map[string]asynq.HandlerFunc {
	return map[string]asynq.HandlerFunc{
		TypeDeriveStage: h.HandleStage,
	}
}
