package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const defaultStageTimeout = 30 * time.Minute

// QueueManager enqueues stage tasks and inspects queue state.
type QueueManager struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewQueueManager creates a queue manager. The queue name should already
// carry the redis prefix.
func NewQueueManager(redisOpt *asynq.RedisClientOpt, queue string) *QueueManager {
	if queue == "" {
		queue = QueueDerive
	}

	return &QueueManager{
		client:    asynq.NewClient(*redisOpt),
		inspector: asynq.NewInspector(*redisOpt),
		queue:     queue,
	}
}

// EnqueueStage enqueues one stage task. The deterministic task ID makes a
// duplicate enqueue within the same batch a no-op.
func (q *QueueManager) EnqueueStage(payload StagePayload, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stage payload: %w", err)
	}

	task := asynq.NewTask(TypeDeriveStage, data)

	allOpts := []asynq.Option{
		asynq.TaskID(payload.UniqueID()),
		asynq.Queue(q.queue),
		asynq.MaxRetry(3),
		asynq.Timeout(defaultStageTimeout),
	}
	allOpts = append(allOpts, opts...)

	if _, err := q.client.Enqueue(task, allOpts...); err != nil {
		return fmt.Errorf("failed to enqueue stage %s: %w", payload.Stage, err)
	}

	return nil
}

// IsTaskPendingOrRunning reports whether a stage task is still in flight.
func (q *QueueManager) IsTaskPendingOrRunning(payload StagePayload) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.queue, payload.UniqueID())
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return info.State == asynq.TaskStatePending ||
		info.State == asynq.TaskStateActive ||
		info.State == asynq.TaskStateRetry, nil
}

// Stats returns delivery queue statistics.
func (q *QueueManager) Stats() (*asynq.QueueInfo, error) {
	return q.inspector.GetQueueInfo(q.queue)
}

// Close closes the underlying asynq client.
func (q *QueueManager) Close() error {
	return q.client.Close()
}

func isNotFound(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "NOT FOUND") ||
		strings.Contains(msg, "queue not found") ||
		strings.Contains(msg, "task not found")
}
