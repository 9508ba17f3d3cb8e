package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
)

// Rows holds an artifact's parsed records with target column names applied.
// Values stay as strings; the store casts them server-side during staging.
type Rows struct {
	Columns []string
	Records [][]string
}

// Len returns the number of data rows.
func (r *Rows) Len() int {
	return len(r.Records)
}

// ColumnIndex returns the position of a column, or -1 if absent.
func (r *Rows) ColumnIndex(name string) int {
	return slices.Index(r.Columns, name)
}

// readerConfig is the subset of a table declaration the parser needs.
type readerConfig interface {
	MappedColumn(header string) (string, bool)
}

// columnRules resolves artifact headers to target columns.
type columnRules struct {
	mapping map[string]string
	exclude []string
}

func newColumnRules(mapping map[string]string, exclude []string) *columnRules {
	return &columnRules{mapping: mapping, exclude: exclude}
}

// MappedColumn returns the target column for a header, and false when the
// header is excluded from the load.
func (c *columnRules) MappedColumn(header string) (string, bool) {
	if slices.Contains(c.exclude, header) {
		return "", false
	}

	if target, ok := c.mapping[header]; ok {
		return target, true
	}

	return header, true
}

// ReadRows parses an artifact's CSV content. The first record is the header;
// mapped headers are renamed, excluded headers dropped.
func (a *Artifact) ReadRows(mapping map[string]string, exclude []string) (*Rows, error) {
	f, err := os.Open(a.Path) //nolint:gosec // Path is derived from the configured artifact directory
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", a.Table, err)
	}

	defer func() {
		_ = f.Close()
	}()

	return parseCSV(f, newColumnRules(mapping, exclude))
}

func parseCSV(r io.Reader, rules readerConfig) (*Rows, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact header: %w", err)
	}

	columns := make([]string, 0, len(header))
	keep := make([]int, 0, len(header))

	for i, name := range header {
		target, ok := rules.MappedColumn(name)
		if !ok {
			continue
		}

		if slices.Contains(columns, target) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, target)
		}

		columns = append(columns, target)
		keep = append(keep, i)
	}

	records := make([][]string, 0, 1024)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("malformed artifact row %d: %w", len(records)+2, err)
		}

		row := make([]string, len(keep))
		for j, idx := range keep {
			row[j] = record[idx]
		}

		records = append(records, row)
	}

	return &Rows{Columns: columns, Records: records}, nil
}
