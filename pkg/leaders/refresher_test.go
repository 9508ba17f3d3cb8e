package leaders

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/pkg/postgres"
)

func newMockRefresher(t *testing.T, cfg *Config) (*Refresher, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewRefresher(log, postgres.NewClientFromDB(log, db), cfg), mock
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name: "empty config uses built-ins",
			cfg:  Config{Enabled: true},
		},
		{
			name: "custom snapshot",
			cfg: Config{
				Enabled:   true,
				Snapshots: []SnapshotConfig{{Name: "board", SQL: "SELECT 1"}},
			},
		},
		{
			name: "missing name",
			cfg: Config{
				Snapshots: []SnapshotConfig{{SQL: "SELECT 1"}},
			},
			wantErr: ErrSnapshotNameRequired,
		},
		{
			name: "missing sql",
			cfg: Config{
				Snapshots: []SnapshotConfig{{Name: "board"}},
			},
			wantErr: ErrSnapshotSQLRequired,
		},
		{
			name: "duplicate names",
			cfg: Config{
				Snapshots: []SnapshotConfig{
					{Name: "board", SQL: "SELECT 1"},
					{Name: "board", SQL: "SELECT 2"},
				},
			},
			wantErr: ErrDuplicateSnapshot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRenderBuiltinTemplates(t *testing.T) {
	r, _ := newMockRefresher(t, &Config{Enabled: true, Limit: 100})

	for _, snap := range DefaultSnapshots() {
		t.Run(snap.Name, func(t *testing.T) {
			rendered, err := r.Render(snap, r.variables(nil))
			require.NoError(t, err)

			assert.Contains(t, rendered, "LIMIT 100")
			assert.NotContains(t, rendered, "{{", "template directives must be fully resolved")
		})
	}
}

func TestRenderExposesYearVariable(t *testing.T) {
	r, _ := newMockRefresher(t, &Config{Enabled: true, Limit: 25})

	snap := SnapshotConfig{
		Name: "season_board",
		SQL:  "SELECT * FROM t{{ if .year }} WHERE year = {{ .year }}{{ end }} LIMIT {{ .limit }}",
	}

	year := 2023
	rendered, err := r.Render(snap, r.variables(&year))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE year = 2023 LIMIT 25", rendered)

	rendered, err = r.Render(snap, r.variables(nil))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t LIMIT 25", rendered)
}

func TestRefreshAllRebuildsSnapshot(t *testing.T) {
	cfg := &Config{
		Enabled:   true,
		Limit:     10,
		Snapshots: []SnapshotConfig{{Name: "board", SQL: "SELECT 1 AS one"}},
	}

	r, mock := newMockRefresher(t, cfg)

	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS "board"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE "board" AS SELECT 1 AS one`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	refreshed, err := r.RefreshAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshAllContinuesPastFailures(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limit:   10,
		Snapshots: []SnapshotConfig{
			{Name: "broken", SQL: "SELECT nope"},
			{Name: "fine", SQL: "SELECT 1 AS one"},
		},
	}

	r, mock := newMockRefresher(t, cfg)

	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS "broken"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE "broken" AS SELECT nope`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS "fine"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE "fine" AS SELECT 1 AS one`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	refreshed, err := r.RefreshAll(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken"))
	assert.Equal(t, 1, refreshed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshAllDisabled(t *testing.T) {
	r, mock := newMockRefresher(t, &Config{Enabled: false})

	refreshed, err := r.RefreshAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, refreshed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
