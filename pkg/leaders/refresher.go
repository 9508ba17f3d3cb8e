package leaders

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
)

// Refresher rebuilds leaderboard snapshot tables from rendered templates.
type Refresher struct {
	log     logrus.FieldLogger
	client  postgres.Client
	cfg     *Config
	funcMap template.FuncMap
}

// NewRefresher creates a leaderboard refresher
func NewRefresher(log logrus.FieldLogger, client postgres.Client, cfg *Config) *Refresher {
	return &Refresher{
		log:     log.WithField("component", "leaders"),
		client:  client,
		cfg:     cfg,
		funcMap: sprig.TxtFuncMap(),
	}
}

// RefreshAll rebuilds every configured snapshot and returns how many
// succeeded. Failures are aggregated, not short-circuited: one broken
// template must not block the others.
func (r *Refresher) RefreshAll(ctx context.Context, year *int) (int, error) {
	if !r.cfg.Enabled {
		r.log.Debug("Leaderboard refresh disabled")
		return 0, nil
	}

	vars := r.variables(year)

	var errs *multierror.Error

	refreshed := 0

	for _, snap := range r.cfg.Effective() {
		if err := r.refresh(ctx, snap, vars); err != nil {
			r.log.WithError(err).WithField("snapshot", snap.Name).Error("Failed to refresh leaderboard snapshot")
			errs = multierror.Append(errs, fmt.Errorf("snapshot %s: %w", snap.Name, err))

			continue
		}

		refreshed++

		r.log.WithField("snapshot", snap.Name).Info("Refreshed leaderboard snapshot")
	}

	return refreshed, errs.ErrorOrNil()
}

func (r *Refresher) variables(year *int) map[string]any {
	vars := map[string]any{
		"limit": r.cfg.Limit,
		"year":  0,
	}

	if year != nil {
		vars["year"] = *year
	}

	return vars
}

// Render returns the SELECT for one snapshot with variables applied
func (r *Refresher) Render(snap SnapshotConfig, vars map[string]any) (string, error) {
	tmpl, err := template.New(snap.Name).Funcs(r.funcMap).Parse(snap.SQL)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// refresh drops and rebuilds one snapshot table in a single transaction,
// so readers never see a missing table.
func (r *Refresher) refresh(ctx context.Context, snap SnapshotConfig, vars map[string]any) error {
	rendered, err := r.Render(snap, vars)
	if err != nil {
		return err
	}

	tx, err := r.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	quoted := postgres.QuoteIdentifier(snap.Name)

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return fmt.Errorf("failed to drop snapshot table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", quoted, rendered)); err != nil {
		return fmt.Errorf("failed to build snapshot table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot refresh: %w", err)
	}

	return nil
}
