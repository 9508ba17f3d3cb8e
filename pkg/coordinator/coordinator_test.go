package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/loader"
	"github.com/sabermill/sabermill/pkg/tables"
	"github.com/sabermill/sabermill/pkg/tasks"
)

const coordinatorRegistryYAML = `
tables:
  - name: players_core
    strategy: incremental
    primary_keys: [player_id]
  - name: players_career_batting_stats
    strategy: incremental
    primary_keys: [player_id, year, team_id, split_id, stint]
    depends_on: [players_core]
    triggers_calculations: true
    period_column: year
  - name: players_career_pitching_stats
    strategy: incremental
    primary_keys: [player_id, year, team_id, split_id, stint]
    depends_on: [players_core]
    triggers_calculations: true
    period_column: year
  - name: box_scores
    strategy: append
    watermark:
      column: game_id
    active: false
`

type mockRunTracker struct {
	openErr  error
	closeErr error

	batchID     uuid.UUID
	openedTypes []string
	triggers    []string
	closed      []string
	closedMsgs  []string
	summaries   []*admin.RunSummary
}

func (m *mockRunTracker) Open(_ context.Context, batchType, triggeredBy, _ string) (*admin.BatchRun, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}

	if m.batchID == uuid.Nil {
		m.batchID = uuid.New()
	}

	m.openedTypes = append(m.openedTypes, batchType)
	m.triggers = append(m.triggers, triggeredBy)

	return &admin.BatchRun{BatchID: m.batchID, Status: admin.RunStatusRunning}, nil
}

func (m *mockRunTracker) Close(_ context.Context, _ uuid.UUID, status, errMsg string, summary *admin.RunSummary) error {
	m.closed = append(m.closed, status)
	m.closedMsgs = append(m.closedMsgs, errMsg)
	m.summaries = append(m.summaries, summary)

	return m.closeErr
}

type mockMirror struct {
	err   error
	calls int
}

func (m *mockMirror) Sync(_ context.Context, _ *tables.Registry) error {
	m.calls++
	return m.err
}

type mockQueue struct {
	nextID int64
	items  map[int64]*admin.CalculationQueueItem

	enqueueErr  error
	claimErr    error
	completeErr error
	failErr     error
	countsErr   error

	// countsScript feeds BatchCounts one entry per poll; the last entry
	// repeats once the script runs out.
	countsScript []map[string]int64

	claimed    []int64
	completed  []int64
	failed     []int64
	failMsgs   []string
	cancelled  []uuid.UUID
	cancelMsgs []string
	polls      int
}

func newMockQueue() *mockQueue {
	return &mockQueue{items: make(map[int64]*admin.CalculationQueueItem)}
}

func (m *mockQueue) Enqueue(_ context.Context, items []*admin.CalculationQueueItem) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}

	for _, item := range items {
		m.nextID++
		item.ID = m.nextID
		item.Status = admin.QueueStatusPending
		m.items[item.ID] = item
	}

	return nil
}

func (m *mockQueue) Claim(_ context.Context, id int64) (*admin.CalculationQueueItem, error) {
	m.claimed = append(m.claimed, id)

	if m.claimErr != nil {
		return nil, m.claimErr
	}

	item, ok := m.items[id]
	if !ok {
		return nil, admin.ErrItemNotFound
	}

	item.Status = admin.QueueStatusProcessing

	return item, nil
}

func (m *mockQueue) Complete(_ context.Context, id int64) error {
	m.completed = append(m.completed, id)

	if m.completeErr != nil {
		return m.completeErr
	}

	m.items[id].Status = admin.QueueStatusCompleted

	return nil
}

func (m *mockQueue) Fail(_ context.Context, id int64, errMsg string) (bool, error) {
	m.failed = append(m.failed, id)
	m.failMsgs = append(m.failMsgs, errMsg)

	if m.failErr != nil {
		return false, m.failErr
	}

	m.items[id].Status = admin.QueueStatusFailed

	return false, nil
}

func (m *mockQueue) CancelPending(_ context.Context, batchID uuid.UUID, reason string) (int64, error) {
	m.cancelled = append(m.cancelled, batchID)
	m.cancelMsgs = append(m.cancelMsgs, reason)

	var n int64

	for _, item := range m.items {
		if item.BatchID == batchID && item.Status == admin.QueueStatusPending {
			item.Status = admin.QueueStatusFailed
			n++
		}
	}

	return n, nil
}

func (m *mockQueue) BatchCounts(_ context.Context, _ uuid.UUID) (map[string]int64, error) {
	if m.countsErr != nil {
		return nil, m.countsErr
	}

	m.polls++

	if len(m.countsScript) == 0 {
		return map[string]int64{}, nil
	}

	counts := m.countsScript[0]
	if len(m.countsScript) > 1 {
		m.countsScript = m.countsScript[1:]
	}

	return counts, nil
}

func (m *mockQueue) statuses() map[string]int {
	out := make(map[string]int)

	for _, item := range m.items {
		out[item.Status]++
	}

	return out
}

type mockLoader struct {
	results map[string]*loader.Result
	errs    map[string]error

	order  []string
	forces []bool
}

func (m *mockLoader) Load(_ context.Context, cfg *tables.Config, _ uuid.UUID, force bool) (*loader.Result, error) {
	m.order = append(m.order, cfg.Name)
	m.forces = append(m.forces, force)

	if err := m.errs[cfg.Name]; err != nil {
		return nil, err
	}

	if res, ok := m.results[cfg.Name]; ok {
		return res, nil
	}

	return &loader.Result{Table: cfg.Name, Status: admin.FileStatusSkipped, Skipped: true}, nil
}

type mockEngine struct {
	errs map[string]error
	runs []string
}

func (m *mockEngine) Run(_ context.Context, stage string, scope derive.Scope) (*derive.StageResult, error) {
	m.runs = append(m.runs, stage+":"+scope.String())

	if err := m.errs[stage]; err != nil {
		return nil, err
	}

	return &derive.StageResult{Stage: stage, Scope: scope, RowsWritten: 1}, nil
}

type mockLeaders struct {
	refreshed int
	err       error

	calls int
	years []*int
}

func (m *mockLeaders) RefreshAll(_ context.Context, year *int) (int, error) {
	m.calls++
	m.years = append(m.years, year)

	if m.err != nil {
		return 0, m.err
	}

	return m.refreshed, nil
}

type mockDispatcher struct {
	err    error
	failAt int

	payloads []tasks.StagePayload
}

func (m *mockDispatcher) EnqueueStage(payload tasks.StagePayload, _ ...asynq.Option) error {
	if m.err != nil && len(m.payloads) == m.failAt {
		return m.err
	}

	m.payloads = append(m.payloads, payload)

	return nil
}

type fixture struct {
	coord      *Coordinator
	runs       *mockRunTracker
	mirror     *mockMirror
	queue      *mockQueue
	loads      *mockLoader
	engine     *mockEngine
	leaders    *mockLeaders
	dispatcher *mockDispatcher
}

func newFixture(t *testing.T, withDispatcher bool) *fixture {
	t.Helper()

	registry, err := tables.ParseRegistry([]byte(coordinatorRegistryYAML))
	require.NoError(t, err)

	f := &fixture{
		runs:    &mockRunTracker{},
		mirror:  &mockMirror{},
		queue:   newMockQueue(),
		loads:   &mockLoader{results: map[string]*loader.Result{}, errs: map[string]error{}},
		engine:  &mockEngine{errs: map[string]error{}},
		leaders: &mockLeaders{refreshed: 2},
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	deps := Deps{
		Runs:     f.runs,
		Sync:     f.mirror,
		Queue:    f.queue,
		Registry: registry,
		Loader:   f.loads,
		Engine:   f.engine,
		Leaders:  f.leaders,
	}

	if withDispatcher {
		f.dispatcher = &mockDispatcher{}
		deps.Dispatcher = f.dispatcher
	}

	coord, err := New(log, deps, "test")
	require.NoError(t, err)

	// Fast polling keeps the queue-mode tests quick.
	coord.pollInterval = time.Millisecond
	coord.stallPolls = 3

	f.coord = coord

	return f
}

func stageOrder(t *testing.T) []derive.StageSpec {
	t.Helper()

	order, err := derive.StageOrder()
	require.NoError(t, err)

	return order
}

func TestNewRequiresDependencies(t *testing.T) {
	log := logrus.New()

	_, err := New(log, Deps{}, "test")
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestRunOptionsNormalize(t *testing.T) {
	tests := []struct {
		name        string
		opts        RunOptions
		wantType    string
		wantTrigger string
	}{
		{
			name:        "defaults to incremental manual",
			opts:        RunOptions{},
			wantType:    admin.BatchTypeIncremental,
			wantTrigger: "manual",
		},
		{
			name:        "force defaults to full",
			opts:        RunOptions{Force: true},
			wantType:    admin.BatchTypeFull,
			wantTrigger: "manual",
		},
		{
			name:        "explicit values survive",
			opts:        RunOptions{BatchType: admin.BatchTypeFull, TriggeredBy: "scheduled"},
			wantType:    admin.BatchTypeFull,
			wantTrigger: "scheduled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.normalize()

			assert.Equal(t, tt.wantType, tt.opts.BatchType)
			assert.Equal(t, tt.wantTrigger, tt.opts.TriggeredBy)
		})
	}
}

func TestResolveTables(t *testing.T) {
	f := newFixture(t, false)

	t.Run("default plan is every active table in order", func(t *testing.T) {
		plan, err := f.coord.resolveTables(nil)
		require.NoError(t, err)

		names := make([]string, 0, len(plan))
		for _, cfg := range plan {
			names = append(names, cfg.Name)
		}

		assert.Equal(t, []string{
			"players_core",
			"players_career_batting_stats",
			"players_career_pitching_stats",
		}, names)
	})

	t.Run("named tables keep dependency order", func(t *testing.T) {
		plan, err := f.coord.resolveTables([]string{
			"players_career_batting_stats",
			"players_core",
		})
		require.NoError(t, err)

		require.Len(t, plan, 2)
		assert.Equal(t, "players_core", plan[0].Name)
		assert.Equal(t, "players_career_batting_stats", plan[1].Name)
	})

	t.Run("unknown table", func(t *testing.T) {
		_, err := f.coord.resolveTables([]string{"lineup_cards"})
		require.ErrorIs(t, err, ErrUnknownTable)
	})

	t.Run("inactive table", func(t *testing.T) {
		_, err := f.coord.resolveTables([]string{"box_scores"})
		require.ErrorIs(t, err, ErrTableInactive)
	})
}

func TestTouchedScopes(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name  string
		loads []*loader.Result
		want  []derive.Scope
	}{
		{
			name: "no loads",
			want: nil,
		},
		{
			name: "non-triggering table never queues",
			loads: []*loader.Result{
				{Table: "players_core", Inserted: 50},
			},
			want: nil,
		},
		{
			name: "untouched triggering table never queues",
			loads: []*loader.Result{
				{Table: "players_career_batting_stats", Skipped: true},
			},
			want: nil,
		},
		{
			name: "touched years become sorted season scopes",
			loads: []*loader.Result{
				{Table: "players_career_batting_stats", Inserted: 3, TouchedYears: []int{2023, 2021}},
				{Table: "players_career_pitching_stats", Updated: 1, TouchedYears: []int{2022, 2023}},
			},
			want: []derive.Scope{derive.Season(2021), derive.Season(2022), derive.Season(2023)},
		},
		{
			name: "full reload widens to all seasons",
			loads: []*loader.Result{
				{Table: "players_career_batting_stats", Inserted: 3, TouchedYears: []int{2023}},
				{Table: "players_career_pitching_stats", Inserted: 9000, TouchedAll: true},
			},
			want: []derive.Scope{derive.AllSeasons()},
		},
		{
			name: "changes without year attribution widen to all seasons",
			loads: []*loader.Result{
				{Table: "players_career_batting_stats", Inserted: 3},
			},
			want: []derive.Scope{derive.AllSeasons()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.coord.touchedScopes(tt.loads))
		})
	}
}

func TestRunPipelineInline(t *testing.T) {
	f := newFixture(t, false)
	f.loads.results["players_core"] = &loader.Result{
		Table: "players_core", Status: admin.FileStatusSuccess, Inserted: 10,
	}
	f.loads.results["players_career_batting_stats"] = &loader.Result{
		Table: "players_career_batting_stats", Status: admin.FileStatusSuccess,
		Inserted: 5, Updated: 2, TouchedYears: []int{2023},
	}
	f.loads.results["players_career_pitching_stats"] = &loader.Result{
		Table: "players_career_pitching_stats", Status: admin.FileStatusSuccess,
		Updated: 1, TouchedYears: []int{2023},
	}

	report, err := f.coord.RunPipeline(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.mirror.calls)
	assert.Equal(t, []string{admin.BatchTypeIncremental}, f.runs.openedTypes)
	assert.Equal(t, []string{"manual"}, f.runs.triggers)
	assert.Equal(t, []string{
		"players_core",
		"players_career_batting_stats",
		"players_career_pitching_stats",
	}, f.loads.order)

	order := stageOrder(t)

	require.Len(t, f.engine.runs, len(order))

	for i, spec := range order {
		assert.Equal(t, spec.Name+":2023", f.engine.runs[i])
	}

	assert.Equal(t, admin.RunStatusCompleted, report.Status)
	assert.Equal(t, 3, report.Summary.TablesProcessed)
	assert.Equal(t, int64(15), report.Summary.RowsInserted)
	assert.Equal(t, int64(3), report.Summary.RowsUpdated)
	assert.Equal(t, len(order), report.Summary.CalculationsRun)
	assert.Equal(t, 2, report.Summary.LeaderboardsRefreshed)

	require.Len(t, f.leaders.years, 1)
	require.NotNil(t, f.leaders.years[0])
	assert.Equal(t, 2023, *f.leaders.years[0])

	require.Len(t, f.runs.closed, 1)
	assert.Equal(t, admin.RunStatusCompleted, f.runs.closed[0])
	assert.Empty(t, f.runs.closedMsgs[0])
}

func TestRunPipelineLoadFailureContinues(t *testing.T) {
	f := newFixture(t, false)
	f.loads.errs["players_core"] = assert.AnError
	f.loads.results["players_career_batting_stats"] = &loader.Result{
		Table: "players_career_batting_stats", Status: admin.FileStatusSuccess,
		Inserted: 5, TouchedYears: []int{2023},
	}

	report, err := f.coord.RunPipeline(context.Background(), RunOptions{})
	require.Error(t, err)

	// The failed table does not starve the rest of the plan.
	assert.Len(t, f.loads.order, 3)
	assert.Equal(t, 1, report.Summary.TablesFailed)
	assert.Equal(t, 1, report.Summary.TablesProcessed)
	assert.Equal(t, 1, report.Summary.TablesSkipped)

	// Loaded tables still cascade.
	assert.NotEmpty(t, f.engine.runs)

	// But a failed run never refreshes leaderboards.
	assert.Zero(t, f.leaders.calls)

	require.Len(t, f.runs.closed, 1)
	assert.Equal(t, admin.RunStatusFailed, f.runs.closed[0])
	assert.Contains(t, f.runs.closedMsgs[0], "players_core")
	assert.Equal(t, admin.RunStatusFailed, report.Status)
}

func TestRunPipelineNothingTouched(t *testing.T) {
	f := newFixture(t, false)

	report, err := f.coord.RunPipeline(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Summary.TablesSkipped)
	assert.Zero(t, report.Summary.CalculationsRun)
	assert.Empty(t, f.queue.items)
	assert.Empty(t, f.engine.runs)
	assert.Zero(t, f.leaders.calls)
	assert.Equal(t, admin.RunStatusCompleted, report.Status)
}

func TestRunPipelineCancelledContextClosesCancelled(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, _ := f.coord.RunPipeline(ctx, RunOptions{})

	require.NotNil(t, report)
	assert.Equal(t, admin.RunStatusCancelled, report.Status)

	require.Len(t, f.runs.closed, 1)
	assert.Equal(t, admin.RunStatusCancelled, f.runs.closed[0])
	assert.Contains(t, f.runs.closedMsgs[0], "context canceled")
}

func TestRunPipelineRejectsUnknownTable(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.coord.RunPipeline(context.Background(), RunOptions{Tables: []string{"lineup_cards"}})
	require.ErrorIs(t, err, ErrUnknownTable)

	// No run was opened for a plan that could not be resolved.
	assert.Empty(t, f.runs.openedTypes)
	assert.Zero(t, f.mirror.calls)
}

func TestRunPipelineForcePropagates(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.coord.RunPipeline(context.Background(), RunOptions{Force: true})
	require.NoError(t, err)

	assert.Equal(t, []string{admin.BatchTypeFull}, f.runs.openedTypes)

	for _, force := range f.loads.forces {
		assert.True(t, force)
	}
}

func TestLoadTablesSkipsCascade(t *testing.T) {
	f := newFixture(t, false)
	f.loads.results["players_career_batting_stats"] = &loader.Result{
		Table: "players_career_batting_stats", Status: admin.FileStatusSuccess,
		Inserted: 5, TouchedYears: []int{2023},
	}

	report, err := f.coord.LoadTables(context.Background(), []string{"players_career_batting_stats"}, false, "")
	require.NoError(t, err)

	assert.Equal(t, []string{admin.BatchTypeFetchOnly}, f.runs.openedTypes)
	assert.Equal(t, []string{"players_career_batting_stats"}, f.loads.order)

	// Fetch-only runs never calculate or refresh anything.
	assert.Empty(t, f.queue.items)
	assert.Empty(t, f.engine.runs)
	assert.Zero(t, f.leaders.calls)

	assert.Equal(t, 1, report.Summary.TablesProcessed)
	assert.Equal(t, admin.RunStatusCompleted, report.Status)
}

func TestRunScheduledInlineWithoutDispatcher(t *testing.T) {
	f := newFixture(t, false)
	f.loads.results["players_career_batting_stats"] = &loader.Result{
		Table: "players_career_batting_stats", Status: admin.FileStatusSuccess,
		Inserted: 5, TouchedYears: []int{2023},
	}

	require.NoError(t, f.coord.RunScheduled(context.Background()))

	assert.Equal(t, []string{"scheduled"}, f.runs.triggers)
	assert.NotEmpty(t, f.engine.runs)
	assert.Empty(t, f.dispatcherPayloads())
}

func TestRunScheduledDispatchesWhenWired(t *testing.T) {
	f := newFixture(t, true)
	f.loads.results["players_career_batting_stats"] = &loader.Result{
		Table: "players_career_batting_stats", Status: admin.FileStatusSuccess,
		Inserted: 5, TouchedYears: []int{2023},
	}
	f.queue.countsScript = []map[string]int64{
		{admin.QueueStatusCompleted: 7},
	}

	require.NoError(t, f.coord.RunScheduled(context.Background()))

	assert.Equal(t, []string{"scheduled"}, f.runs.triggers)
	assert.Empty(t, f.engine.runs)
	assert.Len(t, f.dispatcher.payloads, 7)

	require.Len(t, f.runs.summaries, 1)
	assert.Equal(t, 7, f.runs.summaries[0].CalculationsQueued)
	assert.Equal(t, 7, f.runs.summaries[0].CalculationsRun)
}

// dispatcherPayloads tolerates fixtures without a dispatcher.
func (f *fixture) dispatcherPayloads() []tasks.StagePayload {
	if f.dispatcher == nil {
		return nil
	}

	return f.dispatcher.payloads
}
