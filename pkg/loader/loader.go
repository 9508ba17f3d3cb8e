// Package loader moves artifact snapshots into the target tables through a
// staging area, applying each table's declared load strategy and recording
// the row-level changes it makes.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/tables"
)

// Result is the outcome of one table load
type Result struct {
	Table        string
	Status       string
	Skipped      bool
	RowCount     int64
	Inserted     int64
	Updated      int64
	Deleted      int64
	Entries      int
	TouchedYears []int
	TouchedAll   bool
	Duration     time.Duration
}

// Touched reports whether the load changed the target at all
func (r *Result) Touched() bool {
	return r.TouchedAll || len(r.TouchedYears) > 0 || r.Inserted > 0 || r.Updated > 0
}

// Loader drives the staging-to-target pipeline for one table at a time
type Loader struct {
	log      logrus.FieldLogger
	client   postgres.Client
	admin    *admin.Service
	source   *snapshot.Source
	detector *snapshot.Detector
}

// NewLoader creates a loader over the shared client and trackers
func NewLoader(log logrus.FieldLogger, client postgres.Client, adminSvc *admin.Service, source *snapshot.Source) *Loader {
	return &Loader{
		log:      log.WithField("component", "loader"),
		client:   client,
		admin:    adminSvc,
		source:   source,
		detector: snapshot.NewDetector(log, adminSvc.Files),
	}
}

// Load runs the full pipeline for one table: resolve and fingerprint the
// artifact, stage it, apply the table's strategy, record change log rows,
// and finalize file metadata. A failure rolls back the table's transaction
// and is reported; the caller decides whether the run continues.
func (l *Loader) Load(ctx context.Context, cfg *tables.Config, batchID uuid.UUID, force bool) (*Result, error) {
	start := time.Now()
	log := l.log.WithField("table", cfg.Name)

	artifact, err := l.source.Resolve(cfg)
	if err != nil {
		if failErr := l.admin.Files.Fail(ctx, cfg, batchID, err.Error()); failErr != nil {
			log.WithError(failErr).Warn("Failed to record artifact failure")
		}

		return nil, err
	}

	decision, err := l.detector.Check(ctx, artifact, force)
	if err != nil {
		return nil, err
	}

	if skip, reason := l.shouldSkip(cfg, decision, force); skip {
		log.WithField("reason", reason).Debug("Skipping table")

		if err := l.admin.Files.RecordSkip(ctx, artifact, string(cfg.Strategy), batchID); err != nil {
			return nil, err
		}

		return &Result{
			Table:    cfg.Name,
			Status:   admin.FileStatusSkipped,
			Skipped:  true,
			Duration: time.Since(start),
		}, nil
	}

	if err := l.admin.Files.Begin(ctx, artifact, string(cfg.Strategy), batchID); err != nil {
		return nil, err
	}

	applied, rowCount, err := l.stageAndApply(ctx, cfg, artifact, batchID)
	if err != nil {
		result := &admin.LoadResult{
			Status:       admin.FileStatusFailed,
			Duration:     time.Since(start),
			ErrorMessage: err.Error(),
		}

		if finishErr := l.admin.Files.Finish(ctx, cfg.Name, result); finishErr != nil {
			log.WithError(finishErr).Warn("Failed to record load failure")
		}

		return nil, fmt.Errorf("table %s: %w", cfg.Name, err)
	}

	duration := time.Since(start)

	if err := l.admin.Files.Finish(ctx, cfg.Name, &admin.LoadResult{
		Status:       admin.FileStatusSuccess,
		Checksum:     artifact.Checksum,
		RowCount:     rowCount,
		RowsInserted: applied.inserted,
		RowsUpdated:  applied.updated,
		Duration:     duration,
	}); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"rows":     rowCount,
		"inserted": applied.inserted,
		"updated":  applied.updated,
		"duration": duration.Round(time.Millisecond),
	}).Info("Loaded table")

	return &Result{
		Table:        cfg.Name,
		Status:       admin.FileStatusSuccess,
		RowCount:     rowCount,
		Inserted:     applied.inserted,
		Updated:      applied.updated,
		Entries:      len(applied.entries),
		TouchedYears: applied.touchedYears,
		TouchedAll:   applied.touchedAll,
		Duration:     duration,
	}, nil
}

// shouldSkip decides whether the table needs no work this run. Load-once
// tables reload only on first load or when forced; a changed fingerprint
// on one is suspicious enough to warn about.
func (l *Loader) shouldSkip(cfg *tables.Config, decision *snapshot.Decision, force bool) (bool, string) {
	if cfg.Strategy == tables.StrategySkip && !decision.FirstLoad && !force {
		if decision.Changed {
			l.log.WithField("table", cfg.Name).Warn("Artifact changed but table is load-once; use force to reload")
		}

		return true, "load-once table already loaded"
	}

	if !decision.Changed {
		return true, "fingerprint unchanged"
	}

	return false, ""
}

// stageAndApply runs the transactional middle of the pipeline and returns
// the strategy outcome plus the staged row count
func (l *Loader) stageAndApply(ctx context.Context, cfg *tables.Config, artifact *snapshot.Artifact, batchID uuid.UUID) (*applyResult, int64, error) {
	rows, err := artifact.ReadRows(cfg.ColumnMapping, cfg.ExcludeColumns)
	if err != nil {
		return nil, 0, err
	}

	if err := l.ensureStaging(ctx, cfg); err != nil {
		return nil, 0, err
	}

	// Watermark read happens outside the transaction; the advance inside it
	var watermark *admin.Watermark

	if cfg.Strategy == tables.StrategyAppend {
		if watermark, err = l.admin.Watermarks.Get(ctx, cfg.Name); err != nil {
			return nil, 0, err
		}
	}

	tx, err := l.client.BeginTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	copied, err := l.copyIntoStaging(ctx, tx, cfg, rows)
	if err != nil {
		return nil, 0, err
	}

	if err := l.rewriteStaging(ctx, tx, cfg); err != nil {
		return nil, 0, err
	}

	columns := loadColumns(cfg, rows)

	var applied *applyResult

	switch cfg.Strategy {
	case tables.StrategySkip, tables.StrategyFull:
		applied, err = l.applyFull(ctx, tx, cfg, columns)
	case tables.StrategyIncremental:
		applied, err = l.applyIncremental(ctx, tx, cfg, columns, batchID)
	case tables.StrategyAppend:
		applied, err = l.applyAppend(ctx, tx, cfg, columns, watermark, batchID)
	default:
		err = fmt.Errorf("%w: %s", tables.ErrUnknownStrategy, cfg.Strategy)
	}

	if err != nil {
		return nil, 0, err
	}

	if len(applied.entries) > 0 {
		if err := l.admin.ChangeLog.Record(ctx, tx, applied.entries); err != nil {
			return nil, 0, err
		}
	}

	if applied.newWatermark != "" {
		if err := l.admin.Watermarks.Advance(ctx, tx, cfg, applied.newWatermark, batchID); err != nil {
			return nil, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit load: %w", err)
	}

	return applied, copied, nil
}
