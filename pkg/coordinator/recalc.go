package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/observability"
	"github.com/sabermill/sabermill/pkg/tasks"
)

// inlineWorker labels stage metrics produced without a worker pool
const inlineWorker = "inline"

const (
	defaultPollInterval = 5 * time.Second

	// defaultStallPolls is how many consecutive polls may observe pending
	// items with nothing processing before the wait gives up. At the default
	// interval this is five minutes without a live worker.
	defaultStallPolls = 60

	// closeTimeout bounds the batch-run close after the run context dies
	closeTimeout = 5 * time.Second
)

// RecalcOptions selects what a cascade recomputes
type RecalcOptions struct {
	// Scopes lists the seasons to recompute. Empty recomputes every season.
	Scopes []derive.Scope

	// Stage restricts the cascade to one named stage. Empty runs all stages
	// in dependency order.
	Stage string

	// UseQueue dispatches items to the worker pool instead of running them
	// inline.
	UseQueue bool
}

// Recalculate enqueues the requested stages as durable queue items and then
// either runs them inline or dispatches them to the worker pool. It returns
// the inline stage results and the number of items handed to workers.
func (c *Coordinator) Recalculate(ctx context.Context, batchID uuid.UUID, opts RecalcOptions) ([]*derive.StageResult, int, error) {
	if opts.UseQueue && c.dispatcher == nil {
		return nil, 0, ErrQueueDisabled
	}

	if len(opts.Scopes) == 0 {
		opts.Scopes = []derive.Scope{derive.AllSeasons()}
	}

	specs, err := c.resolveStages(opts.Stage)
	if err != nil {
		return nil, 0, err
	}

	items := buildQueueItems(batchID, specs, opts.Scopes)

	if err := c.queue.Enqueue(ctx, items); err != nil {
		return nil, 0, fmt.Errorf("failed to enqueue calculations: %w", err)
	}

	if opts.UseQueue {
		queued, err := c.dispatchToWorkers(ctx, batchID, items)
		return nil, queued, err
	}

	results, err := c.runInline(ctx, items)

	return results, 0, err
}

// RunRecalculation opens a batch run that recomputes the requested stages
// without loading anything, then closes it with the outcome.
func (c *Coordinator) RunRecalculation(ctx context.Context, opts RecalcOptions, triggeredBy string) (*Report, error) {
	start := time.Now()

	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	run, err := c.runs.Open(ctx, admin.BatchTypeIncremental, triggeredBy, c.environment)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch run: %w", err)
	}

	log := c.log.WithField("batch_id", run.BatchID)
	log.WithFields(logrus.Fields{
		"scopes": len(opts.Scopes),
		"stage":  opts.Stage,
		"queued": opts.UseQueue,
	}).Info("Recalculation run started")

	report := &Report{BatchID: run.BatchID}

	var errs *multierror.Error

	if err := c.executeCascade(ctx, run.BatchID, opts, report); err != nil {
		errs = multierror.Append(errs, err)
	}

	c.refreshLeaderboards(ctx, log, opts.Scopes, report, errs.ErrorOrNil() != nil)

	errs = c.closeRun(ctx, run.BatchID, start, report, errs)

	observability.RecordRun(admin.BatchTypeIncremental, report.Status, time.Since(start).Seconds())

	return report, errs.ErrorOrNil()
}

// executeCascade runs one cascade for an open batch and folds the outcome
// into the report. Queued cascades block until the batch drains so the run
// row closes with the real calculation counts.
func (c *Coordinator) executeCascade(ctx context.Context, batchID uuid.UUID, opts RecalcOptions, report *Report) error {
	results, queued, err := c.Recalculate(ctx, batchID, opts)

	report.Stages = append(report.Stages, results...)
	report.Summary.CalculationsRun += len(results)
	report.Summary.CalculationsQueued += queued

	if err != nil {
		return err
	}

	if !opts.UseQueue {
		return nil
	}

	completed, failed, err := c.waitForBatch(ctx, batchID)

	report.Summary.CalculationsRun += int(completed)

	if err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d items", ErrBatchHadFailures, failed)
	}

	return nil
}

// resolveStages returns the stages to run in dependency order
func (c *Coordinator) resolveStages(stage string) ([]derive.StageSpec, error) {
	if stage == "" {
		return derive.StageOrder()
	}

	spec, ok := derive.StageSpecFor(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", derive.ErrUnknownStage, stage)
	}

	return []derive.StageSpec{spec}, nil
}

// buildQueueItems expands stages and scopes into durable queue items. Items
// are ordered stage-major so an inline sweep always claims a stage after its
// dependencies have completed.
func buildQueueItems(batchID uuid.UUID, specs []derive.StageSpec, scopes []derive.Scope) []*admin.CalculationQueueItem {
	items := make([]*admin.CalculationQueueItem, 0, len(specs)*len(scopes))

	for _, spec := range specs {
		for _, scope := range scopes {
			items = append(items, &admin.CalculationQueueItem{
				BatchID:         batchID,
				TableName:       spec.Table,
				CalculationType: spec.Name,
				Year:            scope.Year,
				DependsOn:       spec.DependsOn,
				Priority:        spec.Priority,
			})
		}
	}

	return items
}

// runInline claims and executes each item in order. The first failure marks
// its item failed, cancels everything still pending in the batch, and aborts
// the sweep so later stages never read stale upstream output.
func (c *Coordinator) runInline(ctx context.Context, items []*admin.CalculationQueueItem) ([]*derive.StageResult, error) {
	results := make([]*derive.StageResult, 0, len(items))

	for _, item := range items {
		claimed, err := c.queue.Claim(ctx, item.ID)
		if err != nil {
			return results, fmt.Errorf("failed to claim queue item %d: %w", item.ID, err)
		}

		scope := derive.AllSeasons()
		if claimed.Year != nil {
			scope = derive.Season(*claimed.Year)
		}

		start := time.Now()

		observability.RecordStageStart(claimed.CalculationType, inlineWorker)

		result, err := c.engine.Run(ctx, claimed.CalculationType, scope)
		if err != nil {
			observability.RecordStageComplete(claimed.CalculationType, inlineWorker, "failed", time.Since(start).Seconds())
			observability.RecordError("coordinator", "stage_error")

			// Fail may flip the item back to pending for a retry, but inline
			// runs have no redelivery, so sweep the batch clean either way.
			if _, failErr := c.queue.Fail(ctx, item.ID, err.Error()); failErr != nil {
				c.log.WithError(failErr).Error("Failed to record stage failure")
			}

			reason := fmt.Sprintf("aborted: stage %s (%s) failed", claimed.CalculationType, scope)
			if _, cancelErr := c.queue.CancelPending(ctx, claimed.BatchID, reason); cancelErr != nil {
				c.log.WithError(cancelErr).Error("Failed to cancel pending queue items")
			}

			return results, fmt.Errorf("stage %s (%s): %v: %w", claimed.CalculationType, scope, err, ErrCascadeAborted)
		}

		if err := c.queue.Complete(ctx, item.ID); err != nil {
			return results, fmt.Errorf("failed to complete queue item %d: %w", item.ID, err)
		}

		observability.RecordStageComplete(claimed.CalculationType, inlineWorker, "success", time.Since(start).Seconds())
		observability.RecordStageRows(claimed.CalculationType, float64(result.RowsWritten))

		results = append(results, result)
	}

	return results, nil
}

// dispatchToWorkers hands each durable item to the delivery queue. On a
// delivery failure the batch's undelivered items are cancelled; a worker
// already holding a delivered task finds its row no longer pending and
// drops it.
func (c *Coordinator) dispatchToWorkers(ctx context.Context, batchID uuid.UUID, items []*admin.CalculationQueueItem) (int, error) {
	for i, item := range items {
		payload := tasks.StagePayload{
			QueueID:    item.ID,
			Stage:      item.CalculationType,
			Year:       item.Year,
			BatchID:    item.BatchID,
			EnqueuedAt: time.Now().UTC(),
		}

		if err := c.dispatcher.EnqueueStage(payload); err != nil {
			observability.RecordError("coordinator", "dispatch_error")

			reason := fmt.Sprintf("aborted: could not dispatch stage %s", item.CalculationType)
			if _, cancelErr := c.queue.CancelPending(ctx, batchID, reason); cancelErr != nil {
				c.log.WithError(cancelErr).Error("Failed to cancel pending queue items")
			}

			return i, fmt.Errorf("failed to dispatch stage %s: %w", item.CalculationType, err)
		}
	}

	c.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"items":    len(items),
	}).Info("Dispatched calculation stages to workers")

	return len(items), nil
}

// waitForBatch polls the durable queue until every item of the batch has
// reached a terminal status, returning the completed and failed counts. It
// gives up with ErrQueueStalled when pending items sit unclaimed with
// nothing processing for too long.
func (c *Coordinator) waitForBatch(ctx context.Context, batchID uuid.UUID) (completed, failed int64, err error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	stalled := 0

	for {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-ticker.C:
		}

		counts, err := c.queue.BatchCounts(ctx, batchID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to poll batch progress: %w", err)
		}

		pending := counts[admin.QueueStatusPending]
		processing := counts[admin.QueueStatusProcessing]

		observability.RecordQueueDepth(admin.QueueStatusPending, float64(pending))
		observability.RecordQueueDepth(admin.QueueStatusProcessing, float64(processing))

		if pending+processing == 0 {
			return counts[admin.QueueStatusCompleted], counts[admin.QueueStatusFailed], nil
		}

		if pending > 0 && processing == 0 {
			stalled++

			if stalled >= c.stallPolls {
				return counts[admin.QueueStatusCompleted], counts[admin.QueueStatusFailed],
					fmt.Errorf("%w: %d items pending after %s", ErrQueueStalled,
						pending, time.Duration(c.stallPolls)*c.pollInterval)
			}
		} else {
			stalled = 0
		}
	}
}
