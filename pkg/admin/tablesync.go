package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/tables"
)

// TableSync mirrors the YAML table registry into etl_table_config so the
// declared policies of every run are queryable alongside its results.
type TableSync struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewTableSync creates a registry mirror
func NewTableSync(log logrus.FieldLogger, client postgres.Client) *TableSync {
	return &TableSync{
		log:    log.WithField("component", "admin/tablesync"),
		client: client,
	}
}

// Sync upserts every registry entry and deactivates rows whose table no
// longer appears in the registry. Called once at the start of a run.
func (t *TableSync) Sync(ctx context.Context, registry *tables.Registry) error {
	ordered, err := registry.LoadOrder()
	if err != nil {
		return fmt.Errorf("failed to order registry: %w", err)
	}

	// Inactive tables carry no load position
	positions := make(map[string]int, len(ordered))
	for i, cfg := range ordered {
		positions[cfg.Name] = i
	}

	now := time.Now().UTC()
	names := make([]string, 0, len(registry.All()))

	for _, cfg := range registry.All() {
		position := -1
		if p, ok := positions[cfg.Name]; ok {
			position = p
		}

		var watermarkColumn any
		if cfg.Watermark != nil {
			watermarkColumn = cfg.Watermark.Column
		}

		_, err := t.client.Exec(ctx, `
			INSERT INTO etl_table_config (
				table_name, load_strategy, primary_keys, comparison_columns,
				exclude_columns, nullify_zero_columns, depends_on,
				triggers_calculations, watermark_column, is_active, load_order, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (table_name) DO UPDATE SET
				load_strategy = EXCLUDED.load_strategy,
				primary_keys = EXCLUDED.primary_keys,
				comparison_columns = EXCLUDED.comparison_columns,
				exclude_columns = EXCLUDED.exclude_columns,
				nullify_zero_columns = EXCLUDED.nullify_zero_columns,
				depends_on = EXCLUDED.depends_on,
				triggers_calculations = EXCLUDED.triggers_calculations,
				watermark_column = EXCLUDED.watermark_column,
				is_active = EXCLUDED.is_active,
				load_order = EXCLUDED.load_order,
				updated_at = EXCLUDED.updated_at
		`, cfg.Name, string(cfg.Strategy), pq.Array(cfg.PrimaryKeys),
			pq.Array(cfg.ComparisonColumns), pq.Array(cfg.ExcludeColumns),
			pq.Array(cfg.NullifyZero), pq.Array(cfg.DependsOn),
			cfg.TriggersCalculations, watermarkColumn, cfg.IsActive(), position, now)
		if err != nil {
			return fmt.Errorf("failed to sync table %s: %w", cfg.Name, err)
		}
	}

	for _, cfg := range registry.All() {
		names = append(names, cfg.Name)
	}

	if _, err := t.client.Exec(ctx, `
		UPDATE etl_table_config SET is_active = false, updated_at = $2
		WHERE table_name <> ALL($1)
	`, pq.Array(names), now); err != nil {
		return fmt.Errorf("failed to deactivate removed tables: %w", err)
	}

	t.log.WithField("tables", len(ordered)).Debug("Synced table registry")

	return nil
}
