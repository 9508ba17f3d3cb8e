// Package coordinator sequences pipeline runs: it opens a batch run, loads
// every eligible table, cascades the calculation stages over the touched
// scopes, refreshes leaderboard snapshots, and closes the run with a summary.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/loader"
	"github.com/sabermill/sabermill/pkg/observability"
	"github.com/sabermill/sabermill/pkg/tables"
	"github.com/sabermill/sabermill/pkg/tasks"
)

// RunTracker opens and closes batch runs
type RunTracker interface {
	Open(ctx context.Context, batchType, triggeredBy, environment string) (*admin.BatchRun, error)
	Close(ctx context.Context, batchID uuid.UUID, status, errMsg string, summary *admin.RunSummary) error
}

// RegistryMirror syncs the declared table policies into the database
type RegistryMirror interface {
	Sync(ctx context.Context, registry *tables.Registry) error
}

// CalculationQueue is the durable record of requested calculation work
type CalculationQueue interface {
	Enqueue(ctx context.Context, items []*admin.CalculationQueueItem) error
	Claim(ctx context.Context, id int64) (*admin.CalculationQueueItem, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) (bool, error)
	CancelPending(ctx context.Context, batchID uuid.UUID, reason string) (int64, error)
	BatchCounts(ctx context.Context, batchID uuid.UUID) (map[string]int64, error)
}

// TableLoader runs the staging-to-target pipeline for one table
type TableLoader interface {
	Load(ctx context.Context, cfg *tables.Config, batchID uuid.UUID, force bool) (*loader.Result, error)
}

// StageRunner executes one calculation stage for a scope
type StageRunner interface {
	Run(ctx context.Context, stage string, scope derive.Scope) (*derive.StageResult, error)
}

// LeaderboardRefresher rebuilds the leaderboard snapshot tables
type LeaderboardRefresher interface {
	RefreshAll(ctx context.Context, year *int) (int, error)
}

// StageDispatcher delivers queued calculation items to the worker pool
type StageDispatcher interface {
	EnqueueStage(payload tasks.StagePayload, opts ...asynq.Option) error
}

// Deps bundles the collaborators a coordinator drives through a run.
// Runs, Sync, Queue, Registry, Loader, and Engine are required.
type Deps struct {
	Runs     RunTracker
	Sync     RegistryMirror
	Queue    CalculationQueue
	Registry *tables.Registry
	Loader   TableLoader
	Engine   StageRunner

	// Leaders rebuilds leaderboards after a successful cascade; nil skips it.
	Leaders LeaderboardRefresher

	// Dispatcher hands stages to the worker pool; nil forces inline runs.
	Dispatcher StageDispatcher
}

// Coordinator sequences one pipeline run end to end
type Coordinator struct {
	log         logrus.FieldLogger
	runs        RunTracker
	sync        RegistryMirror
	queue       CalculationQueue
	registry    *tables.Registry
	loader      TableLoader
	engine      StageRunner
	leaders     LeaderboardRefresher
	dispatcher  StageDispatcher
	environment string

	pollInterval time.Duration
	stallPolls   int
}

// New creates a coordinator over the shared collaborators
func New(log logrus.FieldLogger, deps Deps, environment string) (*Coordinator, error) {
	if deps.Runs == nil || deps.Sync == nil || deps.Queue == nil ||
		deps.Registry == nil || deps.Loader == nil || deps.Engine == nil {
		return nil, ErrMissingDependency
	}

	if environment == "" {
		environment = "dev"
	}

	return &Coordinator{
		log:          log.WithField("service", "coordinator"),
		runs:         deps.Runs,
		sync:         deps.Sync,
		queue:        deps.Queue,
		registry:     deps.Registry,
		loader:       deps.Loader,
		engine:       deps.Engine,
		leaders:      deps.Leaders,
		dispatcher:   deps.Dispatcher,
		environment:  environment,
		pollInterval: defaultPollInterval,
		stallPolls:   defaultStallPolls,
	}, nil
}

// RunOptions controls one pipeline run
type RunOptions struct {
	// BatchType tags the run. Empty derives full or incremental from Force.
	BatchType string

	// Tables restricts the load phase to the named tables. Empty loads every
	// active table in dependency order.
	Tables []string

	// Force reloads tables even when their artifact fingerprint matches.
	Force bool

	// UseQueue hands calculation stages to workers instead of running them
	// inline. The run still waits for the batch to drain before closing.
	UseQueue bool

	// TriggeredBy records what started the run. Empty means manual.
	TriggeredBy string
}

func (o *RunOptions) normalize() {
	if o.BatchType == "" {
		if o.Force {
			o.BatchType = admin.BatchTypeFull
		} else {
			o.BatchType = admin.BatchTypeIncremental
		}
	}

	if o.TriggeredBy == "" {
		o.TriggeredBy = "manual"
	}
}

// Report is the outcome of one pipeline run
type Report struct {
	BatchID uuid.UUID
	Status  string
	Summary admin.RunSummary
	Loads   []*loader.Result
	Stages  []*derive.StageResult
}

// RunPipeline executes the full sequence: sync the registry, open a run,
// load each planned table, recompute the touched scopes, refresh the
// leaderboards, and close the run. Per-table and per-stage failures are
// aggregated and the run closes as failed when any occurred.
func (c *Coordinator) RunPipeline(ctx context.Context, opts RunOptions) (*Report, error) {
	start := time.Now()

	opts.normalize()

	plan, err := c.resolveTables(opts.Tables)
	if err != nil {
		return nil, err
	}

	if err := c.sync.Sync(ctx, c.registry); err != nil {
		return nil, fmt.Errorf("failed to sync table registry: %w", err)
	}

	run, err := c.runs.Open(ctx, opts.BatchType, opts.TriggeredBy, c.environment)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch run: %w", err)
	}

	log := c.log.WithField("batch_id", run.BatchID)
	log.WithFields(logrus.Fields{
		"batch_type": opts.BatchType,
		"tables":     len(plan),
		"force":      opts.Force,
	}).Info("Pipeline run started")

	report := &Report{BatchID: run.BatchID}

	var errs *multierror.Error

	errs = c.loadPhase(ctx, log, plan, run.BatchID, opts.Force, report, errs)

	scopes := c.touchedScopes(report.Loads)
	if len(scopes) > 0 {
		if err := c.executeCascade(ctx, run.BatchID, RecalcOptions{
			Scopes:   scopes,
			UseQueue: opts.UseQueue,
		}, report); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	c.refreshLeaderboards(ctx, log, scopes, report, errs.ErrorOrNil() != nil)

	errs = c.closeRun(ctx, run.BatchID, start, report, errs)

	observability.RecordRun(opts.BatchType, report.Status, time.Since(start).Seconds())

	return report, errs.ErrorOrNil()
}

// LoadTables opens a fetch-only run that loads the named tables without
// cascading calculations or touching the leaderboards.
func (c *Coordinator) LoadTables(ctx context.Context, names []string, force bool, triggeredBy string) (*Report, error) {
	start := time.Now()

	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	plan, err := c.resolveTables(names)
	if err != nil {
		return nil, err
	}

	if err := c.sync.Sync(ctx, c.registry); err != nil {
		return nil, fmt.Errorf("failed to sync table registry: %w", err)
	}

	run, err := c.runs.Open(ctx, admin.BatchTypeFetchOnly, triggeredBy, c.environment)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch run: %w", err)
	}

	log := c.log.WithField("batch_id", run.BatchID)
	log.WithField("tables", len(plan)).Info("Fetch-only run started")

	report := &Report{BatchID: run.BatchID}

	var errs *multierror.Error

	errs = c.loadPhase(ctx, log, plan, run.BatchID, force, report, errs)
	errs = c.closeRun(ctx, run.BatchID, start, report, errs)

	observability.RecordRun(admin.BatchTypeFetchOnly, report.Status, time.Since(start).Seconds())

	return report, errs.ErrorOrNil()
}

// RunScheduled implements the scheduler hook. Scheduled runs load every
// active table incrementally and use the worker pool when one is wired.
func (c *Coordinator) RunScheduled(ctx context.Context) error {
	_, err := c.RunPipeline(ctx, RunOptions{
		TriggeredBy: "scheduled",
		UseQueue:    c.dispatcher != nil,
	})

	return err
}

// loadPhase loads each planned table in order. A failed table is recorded
// and skipped so one bad artifact cannot starve the rest of the run.
func (c *Coordinator) loadPhase(ctx context.Context, log logrus.FieldLogger, plan []*tables.Config, batchID uuid.UUID, force bool, report *Report, errs *multierror.Error) *multierror.Error {
	for _, cfg := range plan {
		result, err := c.loader.Load(ctx, cfg, batchID, force)
		if err != nil {
			log.WithError(err).WithField("table", cfg.Name).Error("Table load failed")
			observability.RecordError("coordinator", "load_error")

			errs = multierror.Append(errs, fmt.Errorf("table %s: %w", cfg.Name, err))
			report.Summary.TablesFailed++

			continue
		}

		report.Loads = append(report.Loads, result)

		if result.Skipped {
			report.Summary.TablesSkipped++
			continue
		}

		report.Summary.TablesProcessed++
		report.Summary.RowsInserted += result.Inserted
		report.Summary.RowsUpdated += result.Updated
		report.Summary.RowsDeleted += result.Deleted
	}

	return errs
}

// resolveTables returns the load plan in dependency order. Naming an
// undeclared or inactive table is an error so a typo or a disabled table
// never turns into a silent no-op.
func (c *Coordinator) resolveTables(names []string) ([]*tables.Config, error) {
	ordered, err := c.registry.LoadOrder()
	if err != nil {
		return nil, fmt.Errorf("failed to order table registry: %w", err)
	}

	if len(names) == 0 {
		return ordered, nil
	}

	wanted := make(map[string]bool, len(names))

	for _, name := range names {
		cfg, ok := c.registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
		}

		if !cfg.IsActive() {
			return nil, fmt.Errorf("%w: %s", ErrTableInactive, name)
		}

		wanted[name] = true
	}

	plan := make([]*tables.Config, 0, len(names))

	for _, cfg := range ordered {
		if wanted[cfg.Name] {
			plan = append(plan, cfg)
		}
	}

	return plan, nil
}

// touchedScopes derives the recompute scopes from the load results. Yearly
// scopes are only safe when every triggering load reports which seasons it
// touched; a load that touched unidentified rows widens to a full recompute.
func (c *Coordinator) touchedScopes(loads []*loader.Result) []derive.Scope {
	var needed, full bool

	years := make(map[int]struct{})

	for _, result := range loads {
		cfg, ok := c.registry.Get(result.Table)
		if !ok || !cfg.TriggersCalculations || !result.Touched() {
			continue
		}

		needed = true

		if result.TouchedAll || len(result.TouchedYears) == 0 {
			full = true
			continue
		}

		for _, year := range result.TouchedYears {
			years[year] = struct{}{}
		}
	}

	if !needed {
		return nil
	}

	if full {
		return []derive.Scope{derive.AllSeasons()}
	}

	sorted := make([]int, 0, len(years))
	for year := range years {
		sorted = append(sorted, year)
	}

	sort.Ints(sorted)

	scopes := make([]derive.Scope, 0, len(sorted))
	for _, year := range sorted {
		scopes = append(scopes, derive.Season(year))
	}

	return scopes
}

// refreshLeaderboards rebuilds the snapshot tables after a clean cascade.
// Refresh failures are logged and leave the count short, but never fail the
// run.
func (c *Coordinator) refreshLeaderboards(ctx context.Context, log logrus.FieldLogger, scopes []derive.Scope, report *Report, hadErrors bool) {
	if c.leaders == nil || hadErrors || report.Summary.CalculationsRun == 0 {
		return
	}

	var year *int
	if len(scopes) == 1 && !scopes[0].All() {
		year = scopes[0].Year
	}

	refreshed, err := c.leaders.RefreshAll(ctx, year)

	report.Summary.LeaderboardsRefreshed = refreshed

	if err != nil {
		log.WithError(err).Error("Leaderboard refresh failed")
		observability.RecordError("coordinator", "leaderboard_error")

		return
	}

	if refreshed > 0 {
		log.WithField("snapshots", refreshed).Info("Leaderboards refreshed")
	}
}

// closeRun stamps the terminal status and duration on the run row
func (c *Coordinator) closeRun(ctx context.Context, batchID uuid.UUID, start time.Time, report *Report, errs *multierror.Error) *multierror.Error {
	report.Summary.DurationMs = time.Since(start).Milliseconds()

	status := admin.RunStatusCompleted
	errMsg := ""

	if err := errs.ErrorOrNil(); err != nil {
		status = admin.RunStatusFailed
		errMsg = err.Error()
	}

	if ctx.Err() != nil {
		// An interrupted run closes cancelled, not failed. The close itself
		// runs on a short detached context.
		status = admin.RunStatusCancelled
		errMsg = ctx.Err().Error()

		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
	}

	report.Status = status

	if err := c.runs.Close(ctx, batchID, status, errMsg, &report.Summary); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close batch run: %w", err))
	}

	return errs
}
