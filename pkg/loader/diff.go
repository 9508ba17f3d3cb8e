package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/tables"
)

const playerColumn = "player_id"

// diffRow is one staged row that differs from the target: either absent
// from it (new) or present with at least one comparison column changed.
type diffRow struct {
	pk        map[string]string
	isNew     bool
	changed   []string
	oldValues map[string]string
	newValues map[string]string
}

// primaryKey serializes the row's key in declared column order
func (d *diffRow) primaryKey(cfg *tables.Config) string {
	parts := make([]string, len(cfg.PrimaryKeys))
	for i, column := range cfg.PrimaryKeys {
		parts[i] = column + "=" + d.pk[column]
	}

	return strings.Join(parts, "|")
}

// year extracts the row's period from its key, if the table declares one
func (d *diffRow) year(cfg *tables.Config) *int {
	if cfg.PeriodColumn == "" {
		return nil
	}

	value, ok := d.pk[cfg.PeriodColumn]
	if !ok {
		return nil
	}

	year, err := strconv.Atoi(value)
	if err != nil {
		return nil
	}

	return &year
}

// player extracts the row's player scope from its key, if present
func (d *diffRow) player() *int {
	value, ok := d.pk[playerColumn]
	if !ok {
		return nil
	}

	player, err := strconv.Atoi(value)
	if err != nil {
		return nil
	}

	return &player
}

// comparisonColumns are the columns change detection inspects: the declared
// list, or every loaded non-key column when none is declared.
func comparisonColumns(cfg *tables.Config, columns []string) []string {
	if len(cfg.ComparisonColumns) > 0 {
		return cfg.ComparisonColumns
	}

	keys := make(map[string]struct{}, len(cfg.PrimaryKeys))
	for _, pk := range cfg.PrimaryKeys {
		keys[pk] = struct{}{}
	}

	compared := make([]string, 0, len(columns))

	for _, column := range columns {
		if _, ok := keys[column]; !ok {
			compared = append(compared, column)
		}
	}

	return compared
}

// buildDiffQuery returns the set-difference query for an incremental table.
// It selects the key, a new-row flag, and the old/new text rendering of
// every comparison column for each staged row that is new or changed.
// Identical rows never leave the database.
func buildDiffQuery(cfg *tables.Config, compared []string) string {
	staging := postgres.QuoteIdentifier(StagingTable(cfg.Name))
	target := postgres.QuoteIdentifier(cfg.Name)

	selects := make([]string, 0, len(cfg.PrimaryKeys)+1+2*len(compared))

	for _, pk := range cfg.PrimaryKeys {
		selects = append(selects, fmt.Sprintf("s.%s::text", postgres.QuoteIdentifier(pk)))
	}

	firstPK := postgres.QuoteIdentifier(cfg.PrimaryKeys[0])
	selects = append(selects, fmt.Sprintf("(t.%s IS NULL) AS is_new", firstPK))

	joins := make([]string, len(cfg.PrimaryKeys))
	for i, pk := range cfg.PrimaryKeys {
		quoted := postgres.QuoteIdentifier(pk)
		joins[i] = fmt.Sprintf("t.%s = s.%s", quoted, quoted)
	}

	distinct := make([]string, len(compared))

	for i, column := range compared {
		quoted := postgres.QuoteIdentifier(column)
		selects = append(selects,
			fmt.Sprintf("t.%s::text", quoted),
			fmt.Sprintf("s.%s::text", quoted),
		)
		distinct[i] = fmt.Sprintf("t.%s IS DISTINCT FROM s.%s", quoted, quoted)
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s AS s LEFT JOIN %s AS t ON %s WHERE t.%s IS NULL OR %s",
		strings.Join(selects, ", "),
		staging, target,
		strings.Join(joins, " AND "),
		firstPK,
		strings.Join(distinct, " OR "),
	)
}

// diffStaging runs the diff query and classifies each returned row
func diffStaging(ctx context.Context, tx *sql.Tx, cfg *tables.Config, compared []string) ([]*diffRow, error) {
	rows, err := tx.QueryContext(ctx, buildDiffQuery(cfg, compared))
	if err != nil {
		return nil, fmt.Errorf("failed to diff staging: %w", err)
	}
	defer rows.Close()

	var diffs []*diffRow

	for rows.Next() {
		targets := make([]any, 0, len(cfg.PrimaryKeys)+1+2*len(compared))
		pkValues := make([]sql.NullString, len(cfg.PrimaryKeys))

		for i := range pkValues {
			targets = append(targets, &pkValues[i])
		}

		var isNew bool

		targets = append(targets, &isNew)

		oldValues := make([]sql.NullString, len(compared))
		newValues := make([]sql.NullString, len(compared))

		for i := range compared {
			targets = append(targets, &oldValues[i], &newValues[i])
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan diff row: %w", err)
		}

		diff := &diffRow{
			pk:    make(map[string]string, len(cfg.PrimaryKeys)),
			isNew: isNew,
		}

		for i, pk := range cfg.PrimaryKeys {
			diff.pk[pk] = pkValues[i].String
		}

		if isNew {
			diff.newValues = make(map[string]string, len(compared))

			for i, column := range compared {
				if newValues[i].Valid {
					diff.newValues[column] = newValues[i].String
				}
			}
		} else {
			diff.oldValues = make(map[string]string)
			diff.newValues = make(map[string]string)

			for i, column := range compared {
				if oldValues[i] == newValues[i] {
					continue
				}

				diff.changed = append(diff.changed, column)

				if oldValues[i].Valid {
					diff.oldValues[column] = oldValues[i].String
				}

				if newValues[i].Valid {
					diff.newValues[column] = newValues[i].String
				}
			}
		}

		diffs = append(diffs, diff)
	}

	return diffs, rows.Err()
}
