package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabermill/sabermill/pkg/tables"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestSourceResolve(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "nations.csv", "nation_id,name\n1,Valdonia\n")

	source := NewSource(testLogger(), &Config{Directory: dir})

	artifact, err := source.Resolve(&tables.Config{Name: "nations", Strategy: tables.StrategySkip, PrimaryKeys: []string{"nation_id"}})
	require.NoError(t, err)

	assert.Equal(t, "nations", artifact.Table)
	assert.Equal(t, "nations.csv", artifact.File)
	assert.Len(t, artifact.Checksum, 64)
	assert.Positive(t, artifact.Size)
}

func TestSourceResolveMissingArtifact(t *testing.T) {
	source := NewSource(testLogger(), &Config{Directory: t.TempDir()})

	_, err := source.Resolve(&tables.Config{Name: "nations"})
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	source := NewSource(testLogger(), &Config{Directory: dir})
	cfg := &tables.Config{Name: "nations"}

	writeArtifact(t, dir, "nations.csv", "nation_id,name\n1,Valdonia\n")

	first, err := source.Resolve(cfg)
	require.NoError(t, err)

	writeArtifact(t, dir, "nations.csv", "nation_id,name\n1,Valdonia\n2,Ostria\n")

	second, err := source.Resolve(cfg)
	require.NoError(t, err)

	assert.NotEqual(t, first.Checksum, second.Checksum)
}

func TestParseCSVAppliesMappingAndExclusions(t *testing.T) {
	input := "league_id,name,current_date,latitude\n100,Alliance,2023-05-01,41.5\n"

	rows, err := parseCSV(
		strings.NewReader(input),
		newColumnRules(map[string]string{"current_date": "game_date"}, []string{"latitude"}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"league_id", "name", "game_date"}, rows.Columns)
	require.Equal(t, 1, rows.Len())
	assert.Equal(t, []string{"100", "Alliance", "2023-05-01"}, rows.Records[0])
	assert.Equal(t, 2, rows.ColumnIndex("game_date"))
	assert.Equal(t, -1, rows.ColumnIndex("latitude"))
}

func TestParseCSVRejectsDuplicateTargets(t *testing.T) {
	input := "a,b\n1,2\n"

	_, err := parseCSV(strings.NewReader(input), newColumnRules(map[string]string{"b": "a"}, nil))
	assert.ErrorIs(t, err, ErrDuplicateColumn)
}

func TestParseCSVRejectsRaggedRows(t *testing.T) {
	input := "a,b\n1,2\n3\n"

	_, err := parseCSV(strings.NewReader(input), newColumnRules(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}

// mockMetadataReader implements MetadataReader for testing
type mockMetadataReader struct {
	checksums map[string]string
	err       error
}

func (m *mockMetadataReader) LastChecksum(_ context.Context, table string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}

	checksum, ok := m.checksums[table]

	return checksum, ok, nil
}

func TestDetectorCheck(t *testing.T) {
	artifact := &Artifact{Table: "teams", Checksum: "abc123"}

	tests := []struct {
		name      string
		prior     map[string]string
		force     bool
		changed   bool
		firstLoad bool
	}{
		{
			name:      "no prior fingerprint is first load",
			prior:     map[string]string{},
			changed:   true,
			firstLoad: true,
		},
		{
			name:    "matching fingerprint is unchanged",
			prior:   map[string]string{"teams": "abc123"},
			changed: false,
		},
		{
			name:    "different fingerprint is changed",
			prior:   map[string]string{"teams": "old999"},
			changed: true,
		},
		{
			name:    "force bypasses matching fingerprint",
			prior:   map[string]string{"teams": "abc123"},
			force:   true,
			changed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewDetector(testLogger(), &mockMetadataReader{checksums: tt.prior})

			decision, err := detector.Check(context.Background(), artifact, tt.force)
			require.NoError(t, err)

			assert.Equal(t, tt.changed, decision.Changed)
			assert.Equal(t, tt.firstLoad, decision.FirstLoad)
		})
	}
}
