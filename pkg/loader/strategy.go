package loader

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/tables"
)

// applyResult is what a strategy reports back to Load
type applyResult struct {
	inserted     int64
	updated      int64
	entries      []*admin.ChangeLogEntry
	touchedYears []int
	touchedAll   bool
	newWatermark string
}

// applyFull replaces the target wholesale. Row-level change logging is
// suppressed; the file metadata counters carry the outcome.
func (l *Loader) applyFull(ctx context.Context, tx *sql.Tx, cfg *tables.Config, columns []string) (*applyResult, error) {
	target := postgres.QuoteIdentifier(cfg.Name)
	staging := postgres.QuoteIdentifier(StagingTable(cfg.Name))

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, target)); err != nil {
		return nil, fmt.Errorf("failed to truncate target: %w", err)
	}

	quoted := strings.Join(quoteAll(columns), ", ")

	result, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s`,
		target, quoted, quoted, staging,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert from staging: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to count inserted rows: %w", err)
	}

	return &applyResult{inserted: inserted, touchedAll: inserted > 0}, nil
}

// applyIncremental reconciles the staged snapshot against the target:
// staged rows missing from the target are inserted, staged rows whose
// comparison columns differ are updated in place, and target rows absent
// from the snapshot are left alone so history is never destroyed.
func (l *Loader) applyIncremental(ctx context.Context, tx *sql.Tx, cfg *tables.Config, columns []string, batchID uuid.UUID) (*applyResult, error) {
	compared := comparisonColumns(cfg, columns)

	diffs, err := diffStaging(ctx, tx, cfg, compared)
	if err != nil {
		return nil, err
	}

	target := postgres.QuoteIdentifier(cfg.Name)
	staging := postgres.QuoteIdentifier(StagingTable(cfg.Name))
	quoted := strings.Join(quoteAll(columns), ", ")

	joins := make([]string, len(cfg.PrimaryKeys))
	for i, pk := range cfg.PrimaryKeys {
		quotedPK := postgres.QuoteIdentifier(pk)
		joins[i] = fmt.Sprintf("t.%s = s.%s", quotedPK, quotedPK)
	}

	joined := strings.Join(joins, " AND ")

	out := &applyResult{}

	insertResult, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s AS s WHERE NOT EXISTS (SELECT 1 FROM %s AS t WHERE %s)`,
		target, quoted, strings.Join(prefixAll("s", columns), ", "), staging, target, joined,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert new rows: %w", err)
	}

	if out.inserted, err = insertResult.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to count inserted rows: %w", err)
	}

	sets := updateSet(cfg, columns)

	if len(compared) > 0 && len(sets) > 0 {
		distinct := make([]string, len(compared))
		for i, column := range compared {
			quotedCol := postgres.QuoteIdentifier(column)
			distinct[i] = fmt.Sprintf("t.%s IS DISTINCT FROM s.%s", quotedCol, quotedCol)
		}

		updateResult, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s AS t SET %s FROM %s AS s WHERE %s AND (%s)`,
			target, strings.Join(sets, ", "), staging, joined, strings.Join(distinct, " OR "),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to update changed rows: %w", err)
		}

		if out.updated, err = updateResult.RowsAffected(); err != nil {
			return nil, fmt.Errorf("failed to count updated rows: %w", err)
		}
	}

	out.entries = diffEntries(cfg, diffs, batchID)
	out.touchedYears = touchedYears(diffs, cfg)

	return out, nil
}

// applyAppend inserts staged rows past the current watermark and advances
// it to the highest value observed. Rows at or below the watermark are
// assumed already present; there is no update path.
func (l *Loader) applyAppend(ctx context.Context, tx *sql.Tx, cfg *tables.Config, columns []string, current *admin.Watermark, batchID uuid.UUID) (*applyResult, error) {
	target := postgres.QuoteIdentifier(cfg.Name)
	staging := postgres.QuoteIdentifier(StagingTable(cfg.Name))
	quoted := strings.Join(quoteAll(columns), ", ")
	wmColumn := postgres.QuoteIdentifier(cfg.Watermark.Column)

	where := ""

	var args []any

	if current != nil {
		where = fmt.Sprintf(" WHERE %s > $1", wmColumn)
		args = append(args, current.Value)
	}

	out := &applyResult{}

	// Entries are collected before the insert only for symmetry with the
	// incremental path; staging is stable inside the transaction either way.
	diffs, err := appendRows(ctx, tx, cfg, staging, where, args)
	if err != nil {
		return nil, err
	}

	insertResult, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s%s`,
		target, quoted, quoted, staging, where,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to append rows: %w", err)
	}

	if out.inserted, err = insertResult.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to count appended rows: %w", err)
	}

	out.entries = diffEntries(cfg, diffs, batchID)
	out.touchedYears = touchedYears(diffs, cfg)

	var maxValue sql.NullString

	if err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(%s)::text FROM %s`, wmColumn, staging,
	)).Scan(&maxValue); err != nil {
		return nil, fmt.Errorf("failed to read staged watermark: %w", err)
	}

	if maxValue.Valid {
		advance := current == nil

		if !advance {
			cmp, err := admin.Compare(cfg.Watermark.Type, maxValue.String, current.Value)
			if err != nil {
				return nil, err
			}

			advance = cmp > 0
		}

		if advance {
			out.newWatermark = maxValue.String
		}
	}

	return out, nil
}

// appendRows lists the keys of the staged rows the append will insert
func appendRows(ctx context.Context, tx *sql.Tx, cfg *tables.Config, staging, where string, args []any) ([]*diffRow, error) {
	selects := make([]string, len(cfg.PrimaryKeys))
	for i, pk := range cfg.PrimaryKeys {
		selects[i] = fmt.Sprintf("%s::text", postgres.QuoteIdentifier(pk))
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s%s`, strings.Join(selects, ", "), staging, where,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appended rows: %w", err)
	}
	defer rows.Close()

	var diffs []*diffRow

	for rows.Next() {
		values := make([]sql.NullString, len(cfg.PrimaryKeys))
		targets := make([]any, len(values))

		for i := range values {
			targets[i] = &values[i]
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan appended row: %w", err)
		}

		diff := &diffRow{pk: make(map[string]string, len(cfg.PrimaryKeys)), isNew: true}
		for i, pk := range cfg.PrimaryKeys {
			diff.pk[pk] = values[i].String
		}

		diffs = append(diffs, diff)
	}

	return diffs, rows.Err()
}

// updateSet builds the SET list for in-place updates: every loaded column
// that is not part of the key
func updateSet(cfg *tables.Config, columns []string) []string {
	keys := make(map[string]struct{}, len(cfg.PrimaryKeys))
	for _, pk := range cfg.PrimaryKeys {
		keys[pk] = struct{}{}
	}

	sets := make([]string, 0, len(columns))

	for _, column := range columns {
		if _, ok := keys[column]; ok {
			continue
		}

		quoted := postgres.QuoteIdentifier(column)
		sets = append(sets, fmt.Sprintf("%s = s.%s", quoted, quoted))
	}

	return sets
}

// diffEntries converts classified diff rows into ledger entries. Update
// rows whose values render identically are dropped rather than logged
// with an empty field list.
func diffEntries(cfg *tables.Config, diffs []*diffRow, batchID uuid.UUID) []*admin.ChangeLogEntry {
	entries := make([]*admin.ChangeLogEntry, 0, len(diffs))

	for _, diff := range diffs {
		entry := &admin.ChangeLogEntry{
			BatchID:    batchID,
			TableName:  cfg.Name,
			PrimaryKey: diff.primaryKey(cfg),
			Year:       diff.year(cfg),
			PlayerID:   diff.player(),
		}

		if diff.isNew {
			entry.Operation = admin.OpInsert

			if len(diff.newValues) > 0 {
				entry.NewValues = diff.newValues
			}
		} else {
			if len(diff.changed) == 0 {
				continue
			}

			entry.Operation = admin.OpUpdate
			entry.ChangedFields = diff.changed
			entry.OldValues = diff.oldValues
			entry.NewValues = diff.newValues
		}

		entries = append(entries, entry)
	}

	return entries
}

// touchedYears collects the distinct periods the diff touched, ascending
func touchedYears(diffs []*diffRow, cfg *tables.Config) []int {
	if cfg.PeriodColumn == "" {
		return nil
	}

	seen := make(map[int]struct{})

	for _, diff := range diffs {
		if year := diff.year(cfg); year != nil {
			seen[*year] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return nil
	}

	years := make([]int, 0, len(seen))
	for year := range seen {
		years = append(years, year)
	}

	sort.Ints(years)

	return years
}
