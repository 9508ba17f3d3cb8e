package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/derive"
)

type mockQueueStore struct {
	claimItem *admin.CalculationQueueItem
	claimErr  error

	completeErr error
	failRetried bool
	failErr     error

	claimedIDs   []int64
	completedIDs []int64
	failedIDs    []int64
	failMessages []string
}

func (m *mockQueueStore) Claim(_ context.Context, id int64) (*admin.CalculationQueueItem, error) {
	m.claimedIDs = append(m.claimedIDs, id)
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	return m.claimItem, nil
}

func (m *mockQueueStore) Complete(_ context.Context, id int64) error {
	m.completedIDs = append(m.completedIDs, id)
	return m.completeErr
}

func (m *mockQueueStore) Fail(_ context.Context, id int64, errMsg string) (bool, error) {
	m.failedIDs = append(m.failedIDs, id)
	m.failMessages = append(m.failMessages, errMsg)

	return m.failRetried, m.failErr
}

type stageCall struct {
	stage string
	scope derive.Scope
}

type mockStageRunner struct {
	result *derive.StageResult
	err    error
	calls  []stageCall
}

func (m *mockStageRunner) Run(_ context.Context, stage string, scope derive.Scope) (*derive.StageResult, error) {
	m.calls = append(m.calls, stageCall{stage: stage, scope: scope})
	if m.err != nil {
		return nil, m.err
	}

	return m.result, nil
}

func newStageTask(t *testing.T, payload StagePayload) *asynq.Task {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return asynq.NewTask(TypeDeriveStage, data)
}

func testHandler(store *mockQueueStore, runner *mockStageRunner) *StageHandler {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewStageHandler(log, store, runner)
}

func TestHandleStageSuccess(t *testing.T) {
	store := &mockQueueStore{
		claimItem: &admin.CalculationQueueItem{
			ID:              7,
			CalculationType: "run_values",
			Year:            intPtr(2023),
			Status:          admin.QueueStatusProcessing,
		},
	}
	runner := &mockStageRunner{
		result: &derive.StageResult{
			Stage:       "run_values",
			RowsWritten: 4,
			Duration:    time.Second,
		},
	}

	handler := testHandler(store, runner)
	task := newStageTask(t, StagePayload{QueueID: 7, Stage: "run_values", Year: intPtr(2023), BatchID: uuid.New()})

	err := handler.HandleStage(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, store.claimedIDs)
	assert.Equal(t, []int64{7}, store.completedIDs)
	assert.Empty(t, store.failedIDs)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "run_values", runner.calls[0].stage)
	assert.Equal(t, derive.Season(2023), runner.calls[0].scope)
}

func TestHandleStageNilYearRunsAllSeasons(t *testing.T) {
	store := &mockQueueStore{
		claimItem: &admin.CalculationQueueItem{
			ID:              9,
			CalculationType: "league_run_environment",
			Status:          admin.QueueStatusProcessing,
		},
	}
	runner := &mockStageRunner{result: &derive.StageResult{Stage: "league_run_environment"}}

	handler := testHandler(store, runner)
	task := newStageTask(t, StagePayload{QueueID: 9, Stage: "league_run_environment", BatchID: uuid.New()})

	require.NoError(t, handler.HandleStage(context.Background(), task))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, derive.AllSeasons(), runner.calls[0].scope)
}

func TestHandleStageDependenciesPendingRetries(t *testing.T) {
	store := &mockQueueStore{claimErr: admin.ErrDependenciesPending}
	runner := &mockStageRunner{}

	handler := testHandler(store, runner)
	task := newStageTask(t, StagePayload{QueueID: 3, Stage: "run_values", BatchID: uuid.New()})

	err := handler.HandleStage(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, admin.ErrDependenciesPending)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, runner.calls)
}

func TestHandleStageDropsDeliveryWhenItemTaken(t *testing.T) {
	tests := []struct {
		name     string
		claimErr error
	}{
		{name: "already claimed", claimErr: admin.ErrNotPending},
		{name: "item gone", claimErr: admin.ErrItemNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockQueueStore{claimErr: tt.claimErr}
			runner := &mockStageRunner{}

			handler := testHandler(store, runner)
			task := newStageTask(t, StagePayload{QueueID: 5, Stage: "fip_constants", BatchID: uuid.New()})

			err := handler.HandleStage(context.Background(), task)
			assert.NoError(t, err)
			assert.Empty(t, runner.calls)
			assert.Empty(t, store.completedIDs)
		})
	}
}

func TestHandleStageFailureQueuedForRetry(t *testing.T) {
	store := &mockQueueStore{
		claimItem: &admin.CalculationQueueItem{
			ID:              11,
			CalculationType: "player_batting_metrics",
			Status:          admin.QueueStatusProcessing,
		},
		failRetried: true,
	}
	runner := &mockStageRunner{err: errors.New("connection reset")}

	handler := testHandler(store, runner)
	task := newStageTask(t, StagePayload{QueueID: 11, Stage: "player_batting_metrics", BatchID: uuid.New()})

	err := handler.HandleStage(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	assert.Equal(t, []int64{11}, store.failedIDs)
	require.Len(t, store.failMessages, 1)
	assert.Contains(t, store.failMessages[0], "connection reset")
	assert.Empty(t, store.completedIDs)
}

func TestHandleStageFailureExhaustedSkipsRetry(t *testing.T) {
	store := &mockQueueStore{
		claimItem: &admin.CalculationQueueItem{
			ID:              12,
			CalculationType: "player_pitching_metrics",
			Status:          admin.QueueStatusProcessing,
		},
		failRetried: false,
	}
	runner := &mockStageRunner{err: errors.New("bad formula input")}

	handler := testHandler(store, runner)
	task := newStageTask(t, StagePayload{QueueID: 12, Stage: "player_pitching_metrics", BatchID: uuid.New()})

	err := handler.HandleStage(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, []int64{12}, store.failedIDs)
}

func TestHandleStageBadPayloadSkipsRetry(t *testing.T) {
	handler := testHandler(&mockQueueStore{}, &mockStageRunner{})
	task := asynq.NewTask(TypeDeriveStage, []byte("{not json"))

	err := handler.HandleStage(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRoutes(t *testing.T) {
	handler := testHandler(&mockQueueStore{}, &mockStageRunner{})

	routes := handler.Routes()
	assert.Contains(t, routes, TypeDeriveStage)
}
