package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/tables"
)

const stagingPrefix = "staging_"

// StagingTable returns the staging table name for a target table
func StagingTable(table string) string {
	return stagingPrefix + table
}

// ensureStaging creates the staging twin of the target table if needed and
// empties it. Staging tables are unlogged and persist between runs; a crash
// mid-copy leaves garbage that the next truncate clears.
func (l *Loader) ensureStaging(ctx context.Context, cfg *tables.Config) error {
	staging := postgres.QuoteIdentifier(StagingTable(cfg.Name))
	target := postgres.QuoteIdentifier(cfg.Name)

	if _, err := l.client.Exec(ctx, fmt.Sprintf(
		`CREATE UNLOGGED TABLE IF NOT EXISTS %s (LIKE %s INCLUDING DEFAULTS)`,
		staging, target,
	)); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	if _, err := l.client.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, staging)); err != nil {
		return fmt.Errorf("failed to truncate staging table: %w", err)
	}

	return nil
}

// copyIntoStaging bulk-loads the parsed artifact rows. Empty CSV fields
// become SQL NULL; everything else is cast server-side by COPY, so a
// malformed value fails here, inside staging, before the target is touched.
func (l *Loader) copyIntoStaging(ctx context.Context, tx *sql.Tx, cfg *tables.Config, rows *snapshot.Rows) (int64, error) {
	data := make([][]any, len(rows.Records))

	for i, record := range rows.Records {
		values := make([]any, len(record))

		for j, field := range record {
			if field == "" {
				values[j] = nil
			} else {
				values[j] = field
			}
		}

		data[i] = values
	}

	copied, err := l.client.BulkInsert(ctx, tx, StagingTable(cfg.Name), rows.Columns, data)
	if err != nil {
		return 0, fmt.Errorf("failed to copy artifact into staging: %w", err)
	}

	return copied, nil
}

// rewriteStaging applies the in-place staging transforms declared for the
// table, in order: sentinel normalization, reference lookups, computed
// columns. All of them run before the diff so inserted and compared rows
// already carry final values.
func (l *Loader) rewriteStaging(ctx context.Context, tx *sql.Tx, cfg *tables.Config) error {
	staging := postgres.QuoteIdentifier(StagingTable(cfg.Name))

	if len(cfg.NullifyZero) > 0 {
		sets := make([]string, len(cfg.NullifyZero))

		// Source exports use non-positive sentinels for unassigned references
		for i, column := range cfg.NullifyZero {
			quoted := postgres.QuoteIdentifier(column)
			sets[i] = fmt.Sprintf("%s = CASE WHEN %s > 0 THEN %s ELSE NULL END", quoted, quoted, quoted)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET %s`, staging, strings.Join(sets, ", "),
		)); err != nil {
			return fmt.Errorf("failed to normalize sentinels: %w", err)
		}
	}

	for _, lookup := range cfg.Lookups {
		query := fmt.Sprintf(
			`UPDATE %s AS s SET %s = r.%s FROM %s AS r WHERE s.%s = r.%s`,
			staging,
			postgres.QuoteIdentifier(lookup.Set),
			postgres.QuoteIdentifier(lookup.SourceColumn),
			postgres.QuoteIdentifier(lookup.From),
			postgres.QuoteIdentifier(lookup.Match),
			postgres.QuoteIdentifier(lookup.Match),
		)

		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply lookup %s: %w", lookup.Set, err)
		}
	}

	for _, computed := range cfg.ComputedColumns {
		query := fmt.Sprintf(
			`UPDATE %s SET %s = (%s)`,
			staging,
			postgres.QuoteIdentifier(computed.Column),
			computed.Expression,
		)

		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to compute column %s: %w", computed.Column, err)
		}
	}

	return nil
}

// loadColumns is the full set of columns the strategies move from staging
// to the target: the artifact's projected header plus any columns produced
// by lookups and computed expressions, in that order, deduplicated.
func loadColumns(cfg *tables.Config, rows *snapshot.Rows) []string {
	columns := make([]string, 0, len(rows.Columns)+len(cfg.Lookups)+len(cfg.ComputedColumns))
	seen := make(map[string]struct{}, cap(columns))

	add := func(column string) {
		if _, ok := seen[column]; ok {
			return
		}

		seen[column] = struct{}{}

		columns = append(columns, column)
	}

	for _, column := range rows.Columns {
		add(column)
	}

	for _, lookup := range cfg.Lookups {
		add(lookup.Set)
	}

	for _, computed := range cfg.ComputedColumns {
		add(computed.Column)
	}

	return columns
}

// quoteAll quotes every identifier in a list
func quoteAll(columns []string) []string {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = postgres.QuoteIdentifier(column)
	}

	return quoted
}

// prefixAll qualifies every quoted identifier with an alias
func prefixAll(alias string, columns []string) []string {
	prefixed := make([]string, len(columns))
	for i, column := range columns {
		prefixed[i] = alias + "." + postgres.QuoteIdentifier(column)
	}

	return prefixed
}
