// Package diff compares the content of two meshbridge databases, typically a
// capture and the store rebuilt from it by replay.
package diff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Options configures diff behaviour.
type Options struct {
	// SampleLimit caps the fingerprints reported per table and side.
	SampleLimit int
	// Tables restricts the comparison. Empty means DefaultTables.
	Tables []Table
}

// Table names the columns whose values identify a row. Surrogate ids and
// bookkeeping timestamps are left out so that a replayed store matches its
// source.
type Table struct {
	Name    string
	Columns []string
}

// DefaultTables are compared when Options.Tables is empty.
var DefaultTables = []Table{
	{Name: "raw_packets", Columns: []string{"timestamp", "from_id", "to_id", "port_num", "raw_json"}},
	{Name: "messages", Columns: []string{"timestamp", "from_id", "to_id", "channel", "text"}},
	{Name: "nodes", Columns: []string{"node_id", "long_name", "short_name", "hw_model", "role"}},
}

// Summary holds one result per compared table, in comparison order.
type Summary struct {
	Tables []TableDiff
}

// Equal reports whether no table differs.
func (s Summary) Equal() bool {
	for _, t := range s.Tables {
		if t.OnlyA > 0 || t.OnlyB > 0 {
			return false
		}
	}
	return true
}

// TableDiff counts rows present on one side only. Rows are compared as
// multisets of fingerprints.
type TableDiff struct {
	Table       string
	OnlyA       int
	OnlyB       int
	SampleOnlyA []string
	SampleOnlyB []string
}

// CompareSQLite fingerprints the selected tables of both databases and
// reports the differences.
func CompareSQLite(ctx context.Context, pathA, pathB string, opts Options) (Summary, error) {
	if pathA == "" || pathB == "" {
		return Summary{}, errors.New("diff: both database paths must be provided")
	}
	tables := opts.Tables
	if len(tables) == 0 {
		tables = DefaultTables
	}

	dbA, err := openDB(pathA)
	if err != nil {
		return Summary{}, err
	}
	defer dbA.Close()

	dbB, err := openDB(pathB)
	if err != nil {
		return Summary{}, err
	}
	defer dbB.Close()

	var summary Summary
	for _, table := range tables {
		query, err := fingerprintQuery(ctx, dbA, dbB, table)
		if err != nil {
			return Summary{}, fmt.Errorf("diff %s: %w", table.Name, err)
		}
		a, err := collectFingerprints(ctx, dbA, query)
		if err != nil {
			return Summary{}, fmt.Errorf("diff %s (A): %w", table.Name, err)
		}
		b, err := collectFingerprints(ctx, dbB, query)
		if err != nil {
			return Summary{}, fmt.Errorf("diff %s (B): %w", table.Name, err)
		}
		td := diffMaps(a, b, opts.SampleLimit)
		td.Table = table.Name
		summary.Tables = append(summary.Tables, td)
	}
	return summary, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("diff: open sqlite %s: %w", path, err)
	}
	return db, nil
}

func collectFingerprints(ctx context.Context, db *sql.DB, query string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		result[fp]++
	}
	return result, rows.Err()
}

// diffMaps subtracts the two fingerprint multisets. Samples are sorted so
// output is stable.
func diffMaps(a, b map[string]int, sampleLimit int) TableDiff {
	if sampleLimit < 0 {
		sampleLimit = 0
	}
	var td TableDiff
	for key, countA := range a {
		if n := countA - b[key]; n > 0 {
			td.OnlyA += n
			td.SampleOnlyA = appendSamples(td.SampleOnlyA, key, n, sampleLimit)
		}
	}
	for key, countB := range b {
		if n := countB - a[key]; n > 0 {
			td.OnlyB += n
			td.SampleOnlyB = appendSamples(td.SampleOnlyB, key, n, sampleLimit)
		}
	}
	sort.Strings(td.SampleOnlyA)
	sort.Strings(td.SampleOnlyB)
	return td
}

func appendSamples(samples []string, key string, n, limit int) []string {
	for i := 0; i < n && len(samples) < limit; i++ {
		samples = append(samples, key)
	}
	return samples
}

func fingerprintQuery(ctx context.Context, dbA, dbB *sql.DB, table Table) (string, error) {
	schemaA, err := tableColumnTypes(ctx, dbA, table.Name)
	if err != nil {
		return "", err
	}
	schemaB, err := tableColumnTypes(ctx, dbB, table.Name)
	if err != nil {
		return "", err
	}
	if len(schemaA) == 0 || len(schemaB) == 0 {
		return "", fmt.Errorf("table %s missing in one of the databases", table.Name)
	}

	cols := make([]columnInfo, 0, len(table.Columns))
	for _, name := range table.Columns {
		typ, okA := schemaA[name]
		_, okB := schemaB[name]
		if !okA || !okB {
			return "", fmt.Errorf("required column %s missing in one of the databases", name)
		}
		cols = append(cols, columnInfo{Name: name, Type: typ})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("'%s', %s", col.Name, columnExpression(col)))
	}
	return fmt.Sprintf("SELECT json_object(%s) FROM %s", strings.Join(parts, ", "), table.Name), nil
}

type columnInfo struct {
	Name string
	Type string
}

func tableColumnTypes(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		result[name] = strings.ToUpper(typeName)
	}
	return result, rows.Err()
}

func columnExpression(col columnInfo) string {
	switch {
	case strings.Contains(col.Type, "BLOB"):
		return fmt.Sprintf("COALESCE(hex(%s), '')", col.Name)
	case isNumericType(col.Type):
		return fmt.Sprintf("COALESCE(%s, 0)", col.Name)
	default:
		return fmt.Sprintf("COALESCE(%s, '')", col.Name)
	}
}

func isNumericType(t string) bool {
	for _, marker := range []string{"INT", "REAL", "NUM", "DOUBLE", "FLOAT", "DEC", "BOOL"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}
