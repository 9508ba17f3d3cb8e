// Package tables holds the declarative load-policy registry: one entry per
// target table describing how its snapshot artifact is reconciled.
package tables

import (
	"errors"
	"fmt"
	"slices"
)

// Static errors for registry validation
var (
	ErrNoTables             = errors.New("registry declares no tables")
	ErrTableNameRequired    = errors.New("table name is required")
	ErrDuplicateTable       = errors.New("table declared more than once")
	ErrUnknownStrategy      = errors.New("unknown load strategy")
	ErrPrimaryKeysRequired  = errors.New("primary keys are required for this strategy")
	ErrWatermarkRequired    = errors.New("append strategy requires a watermark declaration")
	ErrWatermarkNotAllowed  = errors.New("watermark is only valid for append strategy")
	ErrUnknownWatermarkType = errors.New("unknown watermark type")
	ErrComparisonIsKey      = errors.New("comparison columns must not include primary keys")
	ErrUnknownDependency    = errors.New("table depends on undeclared table")
	ErrIncompleteLookup     = errors.New("lookup requires set, from, match, and source_column")
	ErrIncompleteComputed   = errors.New("computed column requires column and expression")
)

// Strategy describes how a table's snapshot is applied to the target.
type Strategy string

const (
	// StrategySkip loads once and then skips while the fingerprint is unchanged
	StrategySkip Strategy = "skip"
	// StrategyFull truncates the target and reloads the entire snapshot
	StrategyFull Strategy = "full"
	// StrategyIncremental upserts by primary key and never deletes history
	StrategyIncremental Strategy = "incremental"
	// StrategyAppend inserts rows above the stored watermark, never updates
	StrategyAppend Strategy = "append"
)

// WatermarkType is the comparison type of an append table's watermark column.
type WatermarkType string

const (
	// WatermarkInteger compares watermark values as integers
	WatermarkInteger WatermarkType = "integer"
	// WatermarkTimestamp compares watermark values as RFC 3339 timestamps
	WatermarkTimestamp WatermarkType = "timestamp"
	// WatermarkDate compares watermark values as dates (YYYY-MM-DD)
	WatermarkDate WatermarkType = "date"
)

// Watermark declares the monotonic column of an append-only table.
type Watermark struct {
	Column string        `yaml:"column"`
	Type   WatermarkType `yaml:"type" default:"integer"`
}

// Lookup fills a staging column from another table matched on key columns,
// e.g. sub_league_id resolved through team_relations.
type Lookup struct {
	Set          string   `yaml:"set"`
	From         string   `yaml:"from"`
	Match        []string `yaml:"match"`
	SourceColumn string   `yaml:"source_column"`
}

// ComputedColumn assigns a SQL expression to a staging column before
// reconciliation. Expressions run in declared order, so later entries may
// reference earlier results.
type ComputedColumn struct {
	Column     string `yaml:"column"`
	Expression string `yaml:"expression"`
}

// Config declares the load policy for one target table.
type Config struct {
	Name     string   `yaml:"name"`
	File     string   `yaml:"file"`
	Strategy Strategy `yaml:"strategy" default:"skip"`

	// PrimaryKeys is the ordered key column list used for upsert matching.
	PrimaryKeys []string `yaml:"primary_keys"`

	// ComparisonColumns restricts change detection to these columns.
	// Empty means every non-key column is compared.
	ComparisonColumns []string `yaml:"comparison_columns"`

	// ExcludeColumns are dropped from the artifact before loading.
	ExcludeColumns []string `yaml:"exclude_columns"`

	// ColumnMapping renames artifact headers to target columns. Unmapped
	// headers pass through unchanged.
	ColumnMapping map[string]string `yaml:"column_mapping"`

	// NullifyZero lists id columns where the exporter uses non-positive
	// values as an "unassigned" sentinel; they are stored as NULL instead.
	NullifyZero []string `yaml:"nullify_zero"`

	// Lookups fill staging columns from other tables before reconciliation.
	Lookups []Lookup `yaml:"lookups"`

	// ComputedColumns are staging-side SQL rewrites applied in order.
	ComputedColumns []ComputedColumn `yaml:"computed_columns"`

	// DependsOn orders this table's load after the named tables.
	DependsOn []string `yaml:"depends_on"`

	// TriggersCalculations marks tables whose changes queue the derive cascade.
	TriggersCalculations bool `yaml:"triggers_calculations"`

	// PeriodColumn names the season column used to scope targeted recalculation.
	PeriodColumn string `yaml:"period_column"`

	Watermark *Watermark `yaml:"watermark"`

	Active *bool `yaml:"active"`
}

// IsActive reports whether the table participates in pipeline runs.
// Tables are active unless explicitly disabled.
func (c *Config) IsActive() bool {
	return c.Active == nil || *c.Active
}

// ArtifactFile returns the artifact filename, defaulting to <name>.csv.
func (c *Config) ArtifactFile() string {
	if c.File != "" {
		return c.File
	}

	return c.Name + ".csv"
}

// Validate checks a single table declaration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrTableNameRequired
	}

	switch c.Strategy {
	case StrategySkip, StrategyFull, StrategyIncremental, StrategyAppend:
	default:
		return fmt.Errorf("%w: %q (table %s)", ErrUnknownStrategy, c.Strategy, c.Name)
	}

	if c.Strategy != StrategyAppend && len(c.PrimaryKeys) == 0 {
		return fmt.Errorf("%w: table %s", ErrPrimaryKeysRequired, c.Name)
	}

	if c.Strategy == StrategyAppend {
		if c.Watermark == nil || c.Watermark.Column == "" {
			return fmt.Errorf("%w: table %s", ErrWatermarkRequired, c.Name)
		}

		switch c.Watermark.Type {
		case WatermarkInteger, WatermarkTimestamp, WatermarkDate:
		default:
			return fmt.Errorf("%w: %q (table %s)", ErrUnknownWatermarkType, c.Watermark.Type, c.Name)
		}
	} else if c.Watermark != nil {
		return fmt.Errorf("%w: table %s", ErrWatermarkNotAllowed, c.Name)
	}

	for _, col := range c.ComparisonColumns {
		if slices.Contains(c.PrimaryKeys, col) {
			return fmt.Errorf("%w: %s (table %s)", ErrComparisonIsKey, col, c.Name)
		}
	}

	for _, l := range c.Lookups {
		if l.Set == "" || l.From == "" || len(l.Match) == 0 || l.SourceColumn == "" {
			return fmt.Errorf("%w: table %s", ErrIncompleteLookup, c.Name)
		}
	}

	for _, cc := range c.ComputedColumns {
		if cc.Column == "" || cc.Expression == "" {
			return fmt.Errorf("%w: table %s", ErrIncompleteComputed, c.Name)
		}
	}

	return nil
}
