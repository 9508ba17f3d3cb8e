//go:build integration

package loader_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/internal/testutil"
	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/loader"
	"github.com/sabermill/sabermill/pkg/migrations"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/tables"
)

type loaderHarness struct {
	loader *loader.Loader
	admin  *admin.Service
	conn   *testutil.PostgresConnection
	dir    string
}

func setupIntegrationLoader(t *testing.T) *loaderHarness {
	t.Helper()

	conn := testutil.NewPostgresContainer(t)

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	require.NoError(t, migrations.Up(logger, conn.DB))

	client, err := postgres.NewClient(logger, &postgres.Config{DSN: conn.DSN})
	require.NoError(t, err)

	err = client.Start(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := client.Stop(); err != nil {
			t.Logf("failed to stop client: %v", err)
		}
	})

	dir := t.TempDir()
	adminSvc := admin.NewService(logger, client)
	source := snapshot.NewSource(logger, &snapshot.Config{Directory: dir})

	return &loaderHarness{
		loader: loader.NewLoader(logger, client, adminSvc, source),
		admin:  adminSvc,
		conn:   conn,
		dir:    dir,
	}
}

func (h *loaderHarness) writeArtifact(t *testing.T, name string, lines []string) {
	t.Helper()

	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, name), []byte(content), 0o600))
}

func TestIntegration_IncrementalLoad(t *testing.T) {
	h := setupIntegrationLoader(t)
	ctx := context.Background()

	_, err := h.conn.DB.Exec(`
		CREATE TABLE team_season_records (
			team_id INTEGER NOT NULL,
			year INTEGER NOT NULL,
			w INTEGER,
			l INTEGER,
			PRIMARY KEY (team_id, year)
		)`)
	require.NoError(t, err)

	cfg := &tables.Config{
		Name:         "team_season_records",
		Strategy:     tables.StrategyIncremental,
		PrimaryKeys:  []string{"team_id", "year"},
		PeriodColumn: "year",
	}

	recordLine := func(team, wins int) string {
		return fmt.Sprintf("%d,2025,%d,%d", team, wins, 162-wins)
	}

	run, err := h.admin.Runs.Open(ctx, admin.BatchTypeIncremental, "manual", "test")
	require.NoError(t, err)

	lines := []string{"team_id,year,w,l"}
	for team := 1; team <= 95; team++ {
		lines = append(lines, recordLine(team, 60+team%30))
	}
	h.writeArtifact(t, "team_season_records.csv", lines)

	result, err := h.loader.Load(ctx, cfg, run.BatchID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(95), result.Inserted)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 95, result.Entries)
	assert.Equal(t, []int{2025}, result.TouchedYears)

	// Same fingerprint: the next run skips without touching the table.
	result, err = h.loader.Load(ctx, cfg, run.BatchID, false)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	// The next export reruns the diff: 15 teams picked up a win, 5
	// expansion teams appeared, everything else is byte-identical.
	run2, err := h.admin.Runs.Open(ctx, admin.BatchTypeIncremental, "manual", "test")
	require.NoError(t, err)

	lines = []string{"team_id,year,w,l"}
	for team := 1; team <= 95; team++ {
		wins := 60 + team%30
		if team <= 15 {
			wins++
		}
		lines = append(lines, recordLine(team, wins))
	}
	for team := 96; team <= 100; team++ {
		lines = append(lines, recordLine(team, 70))
	}
	h.writeArtifact(t, "team_season_records.csv", lines)

	result, err = h.loader.Load(ctx, cfg, run2.BatchID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Inserted)
	assert.Equal(t, int64(15), result.Updated)
	assert.Equal(t, 20, result.Entries)
	assert.Equal(t, []int{2025}, result.TouchedYears)

	var count int
	require.NoError(t, h.conn.DB.QueryRow(`SELECT COUNT(*) FROM team_season_records`).Scan(&count))
	assert.Equal(t, 100, count)

	entries, err := h.admin.ChangeLog.ForBatch(ctx, run2.BatchID, 50)
	require.NoError(t, err)
	require.Len(t, entries, 20)

	var updates, inserts int
	for _, entry := range entries {
		switch entry.Operation {
		case admin.OpUpdate:
			updates++
			assert.Equal(t, []string{"w", "l"}, entry.ChangedFields)
		case admin.OpInsert:
			inserts++
		}
		require.NotNil(t, entry.Year)
		assert.Equal(t, 2025, *entry.Year)
	}
	assert.Equal(t, 15, updates)
	assert.Equal(t, 5, inserts)

	// Rows that drop out of the export survive in the target. The diff
	// sees nothing to do, so the change log stays quiet too.
	run3, err := h.admin.Runs.Open(ctx, admin.BatchTypeIncremental, "manual", "test")
	require.NoError(t, err)

	lines = []string{"team_id,year,w,l"}
	for team := 51; team <= 95; team++ {
		wins := 60 + team%30
		lines = append(lines, recordLine(team, wins))
	}
	h.writeArtifact(t, "team_season_records.csv", lines)

	result, err = h.loader.Load(ctx, cfg, run3.BatchID, false)
	require.NoError(t, err)
	assert.Zero(t, result.Inserted)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Entries)
	assert.False(t, result.Touched())

	require.NoError(t, h.conn.DB.QueryRow(`SELECT COUNT(*) FROM team_season_records`).Scan(&count))
	assert.Equal(t, 100, count)
}

func TestIntegration_AppendLoad(t *testing.T) {
	h := setupIntegrationLoader(t)
	ctx := context.Background()

	_, err := h.conn.DB.Exec(`
		CREATE TABLE players_game_batting_stats (
			player_id INTEGER NOT NULL,
			year INTEGER NOT NULL,
			game_id INTEGER NOT NULL,
			ab INTEGER,
			h INTEGER,
			PRIMARY KEY (player_id, year, game_id)
		)`)
	require.NoError(t, err)

	cfg := &tables.Config{
		Name:         "players_game_batting_stats",
		File:         "players_game_batting.csv",
		Strategy:     tables.StrategyAppend,
		PrimaryKeys:  []string{"player_id", "year", "game_id"},
		PeriodColumn: "year",
		Watermark: &tables.Watermark{
			Column: "game_id",
			Type:   tables.WatermarkInteger,
		},
	}

	run, err := h.admin.Runs.Open(ctx, admin.BatchTypeIncremental, "manual", "test")
	require.NoError(t, err)

	h.writeArtifact(t, "players_game_batting.csv", []string{
		"player_id,year,game_id,ab,h",
		"7,2025,900,4,1",
		"7,2025,1000,5,2",
		"8,2025,1000,3,0",
	})

	result, err := h.loader.Load(ctx, cfg, run.BatchID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Inserted)

	wm, err := h.admin.Watermarks.Get(ctx, cfg.Name)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "1000", wm.Value)

	// The next export straddles the watermark. Only the games past it
	// land; the game at 998 is taken to be export noise below the mark.
	run2, err := h.admin.Runs.Open(ctx, admin.BatchTypeIncremental, "manual", "test")
	require.NoError(t, err)

	h.writeArtifact(t, "players_game_batting.csv", []string{
		"player_id,year,game_id,ab,h",
		"7,2025,998,4,2",
		"7,2025,1001,4,1",
		"8,2025,1002,2,1",
	})

	result, err = h.loader.Load(ctx, cfg, run2.BatchID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Inserted)
	assert.Equal(t, 2, result.Entries)
	assert.Equal(t, []int{2025}, result.TouchedYears)

	wm, err = h.admin.Watermarks.Get(ctx, cfg.Name)
	require.NoError(t, err)
	assert.Equal(t, "1002", wm.Value)

	var count int
	require.NoError(t, h.conn.DB.QueryRow(`SELECT COUNT(*) FROM players_game_batting_stats`).Scan(&count))
	assert.Equal(t, 5, count)

	require.NoError(t, h.conn.DB.QueryRow(`
		SELECT COUNT(*) FROM players_game_batting_stats WHERE game_id = 998
	`).Scan(&count))
	assert.Zero(t, count)

	entries, err := h.admin.ChangeLog.ForBatch(ctx, run2.BatchID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, admin.OpInsert, entry.Operation)
		require.NotNil(t, entry.PlayerID)
	}
}
