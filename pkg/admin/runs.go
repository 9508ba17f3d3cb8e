package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
)

// ErrRunNotFound is returned when a batch run ID does not exist
var ErrRunNotFound = errors.New("batch run not found")

// Runs manages the etl_batch_runs tracking table
type Runs struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewRuns creates a batch run tracker
func NewRuns(log logrus.FieldLogger, client postgres.Client) *Runs {
	return &Runs{
		log:    log.WithField("component", "admin/runs"),
		client: client,
	}
}

// Open registers a new run in the running state and returns it
func (r *Runs) Open(ctx context.Context, batchType, triggeredBy, environment string) (*BatchRun, error) {
	run := &BatchRun{
		BatchID:     uuid.New(),
		BatchType:   batchType,
		TriggeredBy: triggeredBy,
		Environment: environment,
		Status:      RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}

	_, err := r.client.Exec(ctx, `
		INSERT INTO etl_batch_runs (batch_id, batch_type, triggered_by, environment, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.BatchID, run.BatchType, run.TriggeredBy, run.Environment, run.Status, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch run: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"batch_id":   run.BatchID,
		"batch_type": run.BatchType,
	}).Info("Opened batch run")

	return run, nil
}

// Close marks a running run with a terminal status. Closing an already
// closed run is a no-op so a late failure path cannot resurrect a run.
func (r *Runs) Close(ctx context.Context, batchID uuid.UUID, status, errMsg string, summary *RunSummary) error {
	var summaryJSON any

	if summary != nil {
		encoded, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode run summary: %w", err)
		}

		summaryJSON = encoded
	}

	var errText any
	if errMsg != "" {
		errText = errMsg
	}

	result, err := r.client.Exec(ctx, `
		UPDATE etl_batch_runs
		SET status = $2, completed_at = $3, error_message = $4, summary = $5
		WHERE batch_id = $1 AND status = $6
	`, batchID, status, time.Now().UTC(), errText, summaryJSON, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to close batch run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read close result: %w", err)
	}

	if affected == 0 {
		r.log.WithField("batch_id", batchID).Debug("Batch run already closed, leaving as-is")

		return nil
	}

	r.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"status":   status,
	}).Info("Closed batch run")

	return nil
}

// Get fetches a single run by ID
func (r *Runs) Get(ctx context.Context, batchID uuid.UUID) (*BatchRun, error) {
	row := r.client.QueryRow(ctx, `
		SELECT batch_id, batch_type, triggered_by, environment, status,
		       started_at, completed_at, error_message, summary
		FROM etl_batch_runs
		WHERE batch_id = $1
	`, batchID)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to fetch batch run: %w", err)
	}

	return run, nil
}

// Recent returns the newest runs, most recent first
func (r *Runs) Recent(ctx context.Context, limit int) ([]*BatchRun, error) {
	rows, err := r.client.Query(ctx, `
		SELECT batch_id, batch_type, triggered_by, environment, status,
		       started_at, completed_at, error_message, summary
		FROM etl_batch_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	var runs []*BatchRun

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*BatchRun, error) {
	var (
		run         BatchRun
		completedAt sql.NullTime
		errMsg      sql.NullString
		summary     []byte
	)

	if err := row.Scan(
		&run.BatchID, &run.BatchType, &run.TriggeredBy, &run.Environment,
		&run.Status, &run.StartedAt, &completedAt, &errMsg, &summary,
	); err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}

	if len(summary) > 0 {
		run.Summary = &RunSummary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
	}

	return &run, nil
}
