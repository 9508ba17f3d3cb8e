package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
)

// ChangeLog manages the append-only etl_change_log ledger. Rows are only
// ever inserted, inside the same transaction as the load they describe.
type ChangeLog struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewChangeLog creates a change log recorder
func NewChangeLog(log logrus.FieldLogger, client postgres.Client) *ChangeLog {
	return &ChangeLog{
		log:    log.WithField("component", "admin/changelog"),
		client: client,
	}
}

var changeLogColumns = []string{
	"batch_id", "table_name", "primary_key", "operation",
	"changed_fields", "old_values", "new_values", "year", "player_id",
}

// Record bulk-inserts ledger entries inside the load transaction so they
// commit or roll back together with the rows they describe.
func (c *ChangeLog) Record(ctx context.Context, tx *sql.Tx, entries []*ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(entries))

	for _, entry := range entries {
		oldJSON, err := encodeValues(entry.OldValues)
		if err != nil {
			return fmt.Errorf("failed to encode old values: %w", err)
		}

		newJSON, err := encodeValues(entry.NewValues)
		if err != nil {
			return fmt.Errorf("failed to encode new values: %w", err)
		}

		rows = append(rows, []any{
			entry.BatchID, entry.TableName, entry.PrimaryKey, entry.Operation,
			pq.Array(entry.ChangedFields), oldJSON, newJSON, entry.Year, entry.PlayerID,
		})
	}

	inserted, err := c.client.BulkInsert(ctx, tx, "etl_change_log", changeLogColumns, rows)
	if err != nil {
		return fmt.Errorf("failed to record change log: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"table":   entries[0].TableName,
		"entries": inserted,
	}).Debug("Recorded change log entries")

	return nil
}

// ForBatch returns the newest ledger entries for one batch run
func (c *ChangeLog) ForBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*ChangeLogEntry, error) {
	return c.query(ctx, changeLogSelect+` WHERE batch_id = $1 ORDER BY id DESC LIMIT $2`, batchID, limit)
}

// ForTable returns the newest ledger entries for one table
func (c *ChangeLog) ForTable(ctx context.Context, table string, limit int) ([]*ChangeLogEntry, error) {
	return c.query(ctx, changeLogSelect+` WHERE table_name = $1 ORDER BY id DESC LIMIT $2`, table, limit)
}

const changeLogSelect = `
	SELECT id, batch_id, table_name, primary_key, operation,
	       changed_fields, old_values, new_values, year, player_id, created_at
	FROM etl_change_log`

func (c *ChangeLog) query(ctx context.Context, query string, args ...any) ([]*ChangeLogEntry, error) {
	rows, err := c.client.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var entries []*ChangeLogEntry

	for rows.Next() {
		var (
			entry    ChangeLogEntry
			oldJSON  []byte
			newJSON  []byte
			year     sql.NullInt64
			playerID sql.NullInt64
		)

		if err := rows.Scan(
			&entry.ID, &entry.BatchID, &entry.TableName, &entry.PrimaryKey,
			&entry.Operation, pq.Array(&entry.ChangedFields), &oldJSON, &newJSON,
			&year, &playerID, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}

		if err := decodeValues(oldJSON, &entry.OldValues); err != nil {
			return nil, err
		}

		if err := decodeValues(newJSON, &entry.NewValues); err != nil {
			return nil, err
		}

		if year.Valid {
			y := int(year.Int64)
			entry.Year = &y
		}

		if playerID.Valid {
			p := int(playerID.Int64)
			entry.PlayerID = &p
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// encodeValues marshals a field map to JSONB text, nil maps to SQL NULL
func encodeValues(values map[string]string) (any, error) {
	if values == nil {
		return nil, nil //nolint:nilnil // nil is the SQL NULL sentinel here
	}

	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}

	return string(encoded), nil
}

func decodeValues(raw []byte, into *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode change log values: %w", err)
	}

	return nil
}
