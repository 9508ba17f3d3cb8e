package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/tables"
)

// ErrWatermarkRegression is returned when an advance would move a watermark
// backwards under its declared comparison type
var ErrWatermarkRegression = errors.New("watermark may not move backwards")

// Layouts for the canonical string forms of non-integer watermarks
const (
	dateLayout      = "2006-01-02"
	timestampLayout = time.RFC3339
)

// Compare orders two canonical watermark values under the declared type.
// It returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(typ tables.WatermarkType, a, b string) (int, error) {
	switch typ {
	case tables.WatermarkInteger:
		ai, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer watermark %q: %w", a, err)
		}

		bi, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer watermark %q: %w", b, err)
		}

		switch {
		case ai < bi:
			return -1, nil
		case ai > bi:
			return 1, nil
		default:
			return 0, nil
		}
	case tables.WatermarkTimestamp, tables.WatermarkDate:
		layout := timestampLayout
		if typ == tables.WatermarkDate {
			layout = dateLayout
		}

		at, err := time.Parse(layout, a)
		if err != nil {
			return 0, fmt.Errorf("invalid %s watermark %q: %w", typ, a, err)
		}

		bt, err := time.Parse(layout, b)
		if err != nil {
			return 0, fmt.Errorf("invalid %s watermark %q: %w", typ, b, err)
		}

		return at.Compare(bt), nil
	default:
		return 0, fmt.Errorf("%w: %s", tables.ErrUnknownWatermarkType, typ)
	}
}

// Watermarks manages the etl_watermarks tracking table
type Watermarks struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewWatermarks creates a watermark tracker
func NewWatermarks(log logrus.FieldLogger, client postgres.Client) *Watermarks {
	return &Watermarks{
		log:    log.WithField("component", "admin/watermarks"),
		client: client,
	}
}

// Get returns the current watermark for a table, or nil when none exists yet
func (w *Watermarks) Get(ctx context.Context, table string) (*Watermark, error) {
	var wm Watermark

	err := w.client.QueryRow(ctx, `
		SELECT table_name, watermark_column, watermark_type, watermark_value, last_updated, batch_id
		FROM etl_watermarks
		WHERE table_name = $1
	`, table).Scan(&wm.TableName, &wm.Column, &wm.Type, &wm.Value, &wm.LastUpdated, &wm.BatchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch watermark: %w", err)
	}

	return &wm, nil
}

// Advance moves a table's watermark forward inside the load transaction.
// Equal values are a no-op; a smaller value is ErrWatermarkRegression so a
// stale or reordered artifact cannot rewind append progress.
func (w *Watermarks) Advance(ctx context.Context, tx *sql.Tx, cfg *tables.Config, value string, batchID uuid.UUID) error {
	if cfg.Watermark == nil {
		return fmt.Errorf("%w: table %s", tables.ErrWatermarkRequired, cfg.Name)
	}

	var current sql.NullString

	err := tx.QueryRowContext(ctx, `
		SELECT watermark_value FROM etl_watermarks WHERE table_name = $1 FOR UPDATE
	`, cfg.Name).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to lock watermark: %w", err)
	}

	if current.Valid {
		cmp, cmpErr := Compare(cfg.Watermark.Type, value, current.String)
		if cmpErr != nil {
			return cmpErr
		}

		if cmp < 0 {
			return fmt.Errorf("%w: table %s has %s, refusing %s",
				ErrWatermarkRegression, cfg.Name, current.String, value)
		}

		if cmp == 0 {
			return nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO etl_watermarks (table_name, watermark_column, watermark_type, watermark_value, last_updated, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (table_name) DO UPDATE SET
			watermark_column = EXCLUDED.watermark_column,
			watermark_type = EXCLUDED.watermark_type,
			watermark_value = EXCLUDED.watermark_value,
			last_updated = EXCLUDED.last_updated,
			batch_id = EXCLUDED.batch_id
	`, cfg.Name, cfg.Watermark.Column, string(cfg.Watermark.Type), value, time.Now().UTC(), batchID)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	w.log.WithFields(logrus.Fields{
		"table":     cfg.Name,
		"watermark": value,
	}).Info("Advanced watermark")

	return nil
}

// All returns every watermark row ordered by table name
func (w *Watermarks) All(ctx context.Context) ([]*Watermark, error) {
	rows, err := w.client.Query(ctx, `
		SELECT table_name, watermark_column, watermark_type, watermark_value, last_updated, batch_id
		FROM etl_watermarks
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var all []*Watermark

	for rows.Next() {
		var wm Watermark

		if err := rows.Scan(&wm.TableName, &wm.Column, &wm.Type, &wm.Value, &wm.LastUpdated, &wm.BatchID); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}

		all = append(all, &wm)
	}

	return all, rows.Err()
}
