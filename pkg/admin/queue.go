package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
)

var (
	// ErrDependenciesPending is returned by Claim while a same-scope
	// dependency stage has not completed. Claim can be retried later.
	ErrDependenciesPending = errors.New("dependency calculations have not completed")

	// ErrItemNotFound is returned when a queue item ID does not exist
	ErrItemNotFound = errors.New("queue item not found")

	// ErrNotPending is returned by Claim when the item was already claimed,
	// completed, or failed
	ErrNotPending = errors.New("queue item is not pending")
)

// Queue manages the etl_calculation_queue table. The table is the durable
// record of requested calculation work; message delivery rides on top of it.
type Queue struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewQueue creates a calculation queue manager
func NewQueue(log logrus.FieldLogger, client postgres.Client) *Queue {
	return &Queue{
		log:    log.WithField("component", "admin/queue"),
		client: client,
	}
}

// Enqueue inserts queue items as pending and fills in their assigned IDs.
// Zero priority defaults to 5, zero max retries to DefaultMaxRetries.
func (q *Queue) Enqueue(ctx context.Context, items []*CalculationQueueItem) error {
	for _, item := range items {
		if item.Priority == 0 {
			item.Priority = 5
		}

		if item.MaxRetries == 0 {
			item.MaxRetries = DefaultMaxRetries
		}

		item.Status = QueueStatusPending

		err := q.client.QueryRow(ctx, `
			INSERT INTO etl_calculation_queue (
				batch_id, table_name, calculation_type, year, player_id, team_id,
				depends_on, priority, status, retry_count, max_retries
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
			RETURNING id, created_at
		`, item.BatchID, item.TableName, item.CalculationType, item.Year,
			item.PlayerID, item.TeamID, pq.Array(item.DependsOn), item.Priority,
			item.Status, item.MaxRetries,
		).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", item.CalculationType, err)
		}
	}

	q.log.WithField("items", len(items)).Debug("Enqueued calculation items")

	return nil
}

// Claim moves a pending item into processing. It refuses with
// ErrDependenciesPending while any same-batch, same-scope item for one of
// the declared dependency stages is not completed, so message redelivery
// keeps knocking until the order is satisfied.
func (q *Queue) Claim(ctx context.Context, id int64) (*CalculationQueueItem, error) {
	tx, err := q.client.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, queueSelect+` WHERE id = $1 FOR UPDATE`, id)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}

		return nil, fmt.Errorf("failed to fetch queue item: %w", err)
	}

	if item.Status != QueueStatusPending {
		return nil, fmt.Errorf("%w: item %d is %s", ErrNotPending, id, item.Status)
	}

	if len(item.DependsOn) > 0 {
		var blocked bool

		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM etl_calculation_queue d
				WHERE d.batch_id = $1
				  AND d.calculation_type = ANY($2)
				  AND d.status <> $3
				  AND (d.year IS NULL OR $4::int IS NULL OR d.year = $4)
			)
		`, item.BatchID, pq.Array(item.DependsOn), QueueStatusCompleted, item.Year).Scan(&blocked)
		if err != nil {
			return nil, fmt.Errorf("failed to check dependencies: %w", err)
		}

		if blocked {
			return nil, fmt.Errorf("%w: item %d waits on %v", ErrDependenciesPending, id, item.DependsOn)
		}
	}

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE etl_calculation_queue SET status = $2, started_at = $3 WHERE id = $1
	`, id, QueueStatusProcessing, now); err != nil {
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	item.Status = QueueStatusProcessing
	item.StartedAt = &now

	return item, nil
}

// Complete marks a processing item as done
func (q *Queue) Complete(ctx context.Context, id int64) error {
	result, err := q.client.Exec(ctx, `
		UPDATE etl_calculation_queue
		SET status = $2, completed_at = $3, error_message = NULL
		WHERE id = $1
	`, id, QueueStatusCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete queue item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read complete result: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrItemNotFound, id)
	}

	return nil
}

// Fail records an attempt failure. The item returns to pending while the
// retry budget allows, otherwise it lands in the terminal failed state.
// Retried reports whether another attempt will happen.
func (q *Queue) Fail(ctx context.Context, id int64, errMsg string) (retried bool, err error) {
	var status string

	err = q.client.QueryRow(ctx, `
		UPDATE etl_calculation_queue
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN $2 ELSE $3 END,
		    error_message = $4
		WHERE id = $1
		RETURNING status
	`, id, QueueStatusFailed, QueueStatusPending, errMsg).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: id %d", ErrItemNotFound, id)
		}

		return false, fmt.Errorf("failed to record queue failure: %w", err)
	}

	q.log.WithFields(logrus.Fields{
		"id":     id,
		"status": status,
	}).Warn("Calculation item attempt failed")

	return status == QueueStatusPending, nil
}

// Pending returns pending items ordered by priority then age
func (q *Queue) Pending(ctx context.Context, limit int) ([]*CalculationQueueItem, error) {
	rows, err := q.client.Query(ctx,
		queueSelect+` WHERE status = $1 ORDER BY priority ASC, id ASC LIMIT $2`,
		QueueStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer rows.Close()

	var items []*CalculationQueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

// List returns queue items newest first, optionally filtered by status
func (q *Queue) List(ctx context.Context, status string, limit int) ([]*CalculationQueueItem, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status == "" {
		rows, err = q.client.Query(ctx, queueSelect+` ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = q.client.Query(ctx,
			queueSelect+` WHERE status = $1 ORDER BY id DESC LIMIT $2`, status, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*CalculationQueueItem

	for rows.Next() {
		item, scanErr := scanQueueItem(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", scanErr)
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

// Counts returns the number of queue items per status
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := q.client.Query(ctx, `
		SELECT status, count(*) FROM etl_calculation_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	return scanCounts(rows)
}

// BatchCounts returns the number of queue items per status for one batch
func (q *Queue) BatchCounts(ctx context.Context, batchID uuid.UUID) (map[string]int64, error) {
	rows, err := q.client.Query(ctx, `
		SELECT status, count(*) FROM etl_calculation_queue WHERE batch_id = $1 GROUP BY status
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count batch queue items: %w", err)
	}
	defer rows.Close()

	return scanCounts(rows)
}

func scanCounts(rows *sql.Rows) (map[string]int64, error) {
	counts := make(map[string]int64)

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}

		counts[status] = n
	}

	return counts, rows.Err()
}

// CancelPending fails every still-pending item of a batch. Used when an
// inline cascade aborts so no undeliverable items linger as pending.
func (q *Queue) CancelPending(ctx context.Context, batchID uuid.UUID, reason string) (int64, error) {
	result, err := q.client.Exec(ctx, `
		UPDATE etl_calculation_queue
		SET status = $2, error_message = $3, completed_at = $4
		WHERE batch_id = $1 AND status = $5
	`, batchID, QueueStatusFailed, reason, time.Now().UTC(), QueueStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending items: %w", err)
	}

	cancelled, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cancel result: %w", err)
	}

	if cancelled > 0 {
		q.log.WithFields(logrus.Fields{
			"batch_id":  batchID,
			"cancelled": cancelled,
		}).Warn("Cancelled undelivered calculation items")
	}

	return cancelled, nil
}

const queueSelect = `
	SELECT id, batch_id, table_name, calculation_type, year, player_id, team_id,
	       depends_on, priority, status, retry_count, max_retries,
	       error_message, created_at, started_at, completed_at
	FROM etl_calculation_queue`

func scanQueueItem(row rowScanner) (*CalculationQueueItem, error) {
	var (
		item        CalculationQueueItem
		year        sql.NullInt64
		playerID    sql.NullInt64
		teamID      sql.NullInt64
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	if err := row.Scan(
		&item.ID, &item.BatchID, &item.TableName, &item.CalculationType,
		&year, &playerID, &teamID, pq.Array(&item.DependsOn), &item.Priority,
		&item.Status, &item.RetryCount, &item.MaxRetries, &errMsg,
		&item.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	if year.Valid {
		y := int(year.Int64)
		item.Year = &y
	}

	if playerID.Valid {
		p := int(playerID.Int64)
		item.PlayerID = &p
	}

	if teamID.Valid {
		t := int(teamID.Int64)
		item.TeamID = &t
	}

	if errMsg.Valid {
		item.ErrorMessage = &errMsg.String
	}

	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}

	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}

	return &item, nil
}
