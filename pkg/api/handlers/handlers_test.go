package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/tables"
)

type mockRunStore struct {
	runs      []*admin.BatchRun
	err       error
	lastLimit int
}

func (m *mockRunStore) Recent(_ context.Context, limit int) ([]*admin.BatchRun, error) {
	m.lastLimit = limit

	if m.err != nil {
		return nil, m.err
	}

	return m.runs, nil
}

type mockFileStore struct {
	files []*admin.FileMetadata
	err   error
}

func (m *mockFileStore) All(_ context.Context) ([]*admin.FileMetadata, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.files, nil
}

type mockWatermarkStore struct {
	marks []*admin.Watermark
	err   error
}

func (m *mockWatermarkStore) All(_ context.Context) ([]*admin.Watermark, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.marks, nil
}

type mockQueueStore struct {
	items      []*admin.CalculationQueueItem
	counts     map[string]int64
	err        error
	lastStatus string
	lastLimit  int
}

func (m *mockQueueStore) List(_ context.Context, status string, limit int) ([]*admin.CalculationQueueItem, error) {
	m.lastStatus = status
	m.lastLimit = limit

	if m.err != nil {
		return nil, m.err
	}

	return m.items, nil
}

func (m *mockQueueStore) Counts(_ context.Context) (map[string]int64, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.counts, nil
}

const registryYAML = `
tables:
  - name: players_core
    file: players.csv
    strategy: incremental
    primary_keys: [player_id]
  - name: players_career_batting_stats
    file: players_career_batting_stats.csv
    strategy: incremental
    primary_keys: [player_id, year, team_id, split_id, stint]
    triggers_calculations: true
`

func testApp(t *testing.T, stores Stores) *fiber.App {
	t.Helper()

	registry, err := tables.ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	server := NewServer(stores, registry, log)

	app := fiber.New()
	app.Get("/healthz", server.Healthz)
	app.Get("/api/v1/runs", server.ListRuns)
	app.Get("/api/v1/tables", server.ListTables)
	app.Get("/api/v1/queue", server.ListQueue)

	return app
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, out))
}

func TestHealthz(t *testing.T) {
	app := testApp(t, Stores{})

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns(t *testing.T) {
	started := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	runs := &mockRunStore{
		runs: []*admin.BatchRun{
			{
				BatchID:     uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
				BatchType:   admin.BatchTypeIncremental,
				TriggeredBy: "scheduled",
				Status:      admin.RunStatusCompleted,
				StartedAt:   started,
				CompletedAt: &completed,
				Summary:     &admin.RunSummary{TablesProcessed: 12, RowsInserted: 480},
			},
			{
				BatchID:     uuid.MustParse("9f86d081-884c-4d63-a1b1-0b1c2d3e4f50"),
				BatchType:   admin.BatchTypeFull,
				TriggeredBy: "manual",
				Status:      admin.RunStatusRunning,
				StartedAt:   started.Add(6 * time.Hour),
			},
		},
	}

	app := testApp(t, Stores{Runs: runs})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/runs", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultRunLimit, runs.lastLimit)

	var body struct {
		Runs  []RunSummary `json:"runs"`
		Total int          `json:"total"`
	}
	decodeBody(t, resp, &body)

	require.Len(t, body.Runs, 2)
	assert.Equal(t, 2, body.Total)

	first := body.Runs[0]
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", first.BatchID)
	assert.Equal(t, admin.RunStatusCompleted, first.Status)
	require.NotNil(t, first.DurationMs)
	assert.Equal(t, int64(90000), *first.DurationMs)
	require.NotNil(t, first.Summary)
	assert.Equal(t, 12, first.Summary.TablesProcessed)

	second := body.Runs[1]
	assert.Equal(t, admin.RunStatusRunning, second.Status)
	assert.Nil(t, second.CompletedAt)
	assert.Nil(t, second.DurationMs)
}

func TestListRunsLimit(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{name: "explicit limit", query: "?limit=5", wantStatus: http.StatusOK, wantLimit: 5},
		{name: "limit clamped to ceiling", query: "?limit=10000", wantStatus: http.StatusOK, wantLimit: maxRunLimit},
		{name: "zero limit rejected", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "non-numeric limit rejected", query: "?limit=abc", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &mockRunStore{}
			app := testApp(t, Stores{Runs: runs})

			resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/runs"+tt.query, http.NoBody))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantLimit, runs.lastLimit)
			}
		})
	}
}

func TestListRunsStoreError(t *testing.T) {
	app := testApp(t, Stores{Runs: &mockRunStore{err: assert.AnError}})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/runs", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListTablesJoinsRegistryAndMetadata(t *testing.T) {
	processed := time.Date(2026, 4, 1, 6, 2, 0, 0, time.UTC)

	files := &mockFileStore{
		files: []*admin.FileMetadata{
			{
				TableName:       "players_career_batting_stats",
				Filename:        "players_career_batting_stats.csv",
				Checksum:        "a1b2c3",
				RowCount:        52340,
				LastStatus:      admin.FileStatusSuccess,
				RowsInserted:    120,
				RowsUpdated:     48,
				ProcessingMs:    950,
				LastProcessedAt: processed,
			},
		},
	}

	marks := &mockWatermarkStore{
		marks: []*admin.Watermark{
			{
				TableName:   "players_career_batting_stats",
				Column:      "year",
				Type:        "integer",
				Value:       "2025",
				LastUpdated: processed,
			},
		},
	}

	app := testApp(t, Stores{Files: files, Watermarks: marks})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/tables", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Tables []TableSummary `json:"tables"`
		Total  int            `json:"total"`
	}
	decodeBody(t, resp, &body)

	// Every registry entry appears, loaded or not, sorted by name.
	require.Len(t, body.Tables, 2)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "players_career_batting_stats", body.Tables[0].Name)
	assert.Equal(t, "players_core", body.Tables[1].Name)

	loaded := body.Tables[0]
	assert.True(t, loaded.TriggersCalculations)
	assert.Equal(t, admin.FileStatusSuccess, loaded.LastStatus)
	assert.Equal(t, "a1b2c3", loaded.Checksum)
	assert.Equal(t, int64(52340), loaded.RowCount)
	require.NotNil(t, loaded.Watermark)
	assert.Equal(t, "2025", loaded.Watermark.Value)

	unloaded := body.Tables[1]
	assert.True(t, unloaded.Active)
	assert.Empty(t, unloaded.LastStatus)
	assert.Nil(t, unloaded.LastProcessedAt)
	assert.Nil(t, unloaded.Watermark)
}

func TestListQueue(t *testing.T) {
	year := 2023
	queue := &mockQueueStore{
		items: []*admin.CalculationQueueItem{
			{
				ID:              42,
				BatchID:         uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
				TableName:       "players_career_batting_stats",
				CalculationType: "player_batting_metrics",
				Year:            &year,
				DependsOn:       []string{"run_values"},
				Priority:        4,
				Status:          admin.QueueStatusPending,
				CreatedAt:       time.Date(2026, 4, 1, 6, 1, 0, 0, time.UTC),
			},
		},
		counts: map[string]int64{
			admin.QueueStatusPending:   3,
			admin.QueueStatusCompleted: 9,
		},
	}

	app := testApp(t, Stores{Queue: queue})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue?status=pending", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, admin.QueueStatusPending, queue.lastStatus)
	assert.Equal(t, defaultQueueLimit, queue.lastLimit)

	var body struct {
		Counts map[string]int64   `json:"counts"`
		Items  []QueueItemSummary `json:"items"`
		Total  int                `json:"total"`
	}
	decodeBody(t, resp, &body)

	assert.Equal(t, int64(3), body.Counts[admin.QueueStatusPending])
	require.Len(t, body.Items, 1)

	item := body.Items[0]
	assert.Equal(t, int64(42), item.ID)
	assert.Equal(t, "player_batting_metrics", item.CalculationType)
	require.NotNil(t, item.Year)
	assert.Equal(t, 2023, *item.Year)
	assert.Equal(t, []string{"run_values"}, item.DependsOn)
}

func TestListQueueRejectsUnknownStatus(t *testing.T) {
	queue := &mockQueueStore{}
	app := testApp(t, Stores{Queue: queue})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue?status=parked", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, queue.lastStatus)
}

func TestListQueueWithoutStatusReturnsAll(t *testing.T) {
	queue := &mockQueueStore{counts: map[string]int64{}}
	app := testApp(t, Stores{Queue: queue})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, queue.lastStatus)
}
