// Package dataset provides the tabular data the indexer works on: an
// immutable, in-memory table and a data-parallel compute Engine over it.
package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownColumn is returned when a referenced column does not exist.
var ErrUnknownColumn = errors.New("dataset: unknown column")

// Table is an immutable, row-oriented table with named columns.
//
// Ownership contract:
//   - New copies the supplied rows, so callers may reuse their buffers.
//   - Methods never mutate the receiver; derived tables share row storage
//     only where it is never written again.
type Table struct {
	columns []string
	colIx   map[string]int
	rows    [][]any
}

// New builds a table. Every row must have exactly len(columns) values and
// column names must be unique and non-empty.
func New(columns []string, rows [][]any) (*Table, error) {
	colIx, err := indexColumns(columns)
	if err != nil {
		return nil, err
	}

	cp := make([][]any, len(rows))
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("dataset: row %d has %d values, want %d", i, len(r), len(columns))
		}
		cp[i] = append([]any(nil), r...)
	}

	return &Table{
		columns: append([]string(nil), columns...),
		colIx:   colIx,
		rows:    cp,
	}, nil
}

// MustNew is New for fixtures and tests; it panics on invalid input.
func MustNew(columns []string, rows [][]any) *Table {
	t, err := New(columns, rows)
	if err != nil {
		panic(err)
	}
	return t
}

// Columns returns a copy of the column names in order.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// ColumnIndex returns the position of name.
func (t *Table) ColumnIndex(name string) (int, bool) {
	i, ok := t.colIx[name]
	return i, ok
}

// ColumnIndexes resolves several column names, failing on the first unknown one.
func (t *Table) ColumnIndexes(names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		ix, ok := t.colIx[n]
		if !ok {
			return nil, fmt.Errorf("%w %q (have %s)", ErrUnknownColumn, n, strings.Join(t.columns, ", "))
		}
		out[i] = ix
	}
	return out, nil
}

// Row returns a copy of row i.
func (t *Table) Row(i int) []any { return append([]any(nil), t.rows[i]...) }

// Value returns the value at (row, column name).
func (t *Table) Value(row int, column string) (any, bool) {
	ix, ok := t.colIx[column]
	if !ok || row < 0 || row >= len(t.rows) {
		return nil, false
	}
	return t.rows[row][ix], true
}

// Column returns a copy of a whole column.
func (t *Table) Column(name string) ([]any, error) {
	ix, ok := t.colIx[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownColumn, name)
	}
	out := make([]any, len(t.rows))
	for i, r := range t.rows {
		out[i] = r[ix]
	}
	return out, nil
}

// WithColumn returns a new table carrying values as column name. An existing
// column of that name is replaced in place; otherwise the column is appended.
func (t *Table) WithColumn(name string, values []any) (*Table, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("dataset: column name is empty")
	}
	if len(values) != len(t.rows) {
		return nil, fmt.Errorf("dataset: column %q has %d values, table has %d rows", name, len(values), len(t.rows))
	}

	pos, replace := t.colIx[name]
	cols := append([]string(nil), t.columns...)
	if !replace {
		pos = len(cols)
		cols = append(cols, name)
	}

	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		nr := make([]any, len(cols))
		copy(nr, r)
		nr[pos] = values[i]
		rows[i] = nr
	}

	colIx, err := indexColumns(cols)
	if err != nil {
		return nil, err
	}
	return &Table{columns: cols, colIx: colIx, rows: rows}, nil
}

// Select returns a new table holding the named columns in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	ixs, err := t.ColumnIndexes(names)
	if err != nil {
		return nil, err
	}
	rows := make([][]any, len(t.rows))
	for i, r := range t.rows {
		nr := make([]any, len(ixs))
		for j, ix := range ixs {
			nr[j] = r[ix]
		}
		rows[i] = nr
	}
	colIx, err := indexColumns(names)
	if err != nil {
		return nil, err
	}
	return &Table{columns: append([]string(nil), names...), colIx: colIx, rows: rows}, nil
}

// Rename returns a new table with columns renamed through fn.
func (t *Table) Rename(fn func(string) string) (*Table, error) {
	cols := make([]string, len(t.columns))
	for i, c := range t.columns {
		cols[i] = fn(c)
	}
	colIx, err := indexColumns(cols)
	if err != nil {
		return nil, err
	}
	return &Table{columns: cols, colIx: colIx, rows: t.rows}, nil
}

// rowsView exposes rows to the engine without copying. Callers must not write.
func (t *Table) rowsView() [][]any { return t.rows }

func indexColumns(columns []string) (map[string]int, error) {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		if c == "" {
			return nil, fmt.Errorf("dataset: column %d has empty name", i)
		}
		if _, dup := m[c]; dup {
			return nil, fmt.Errorf("dataset: duplicate column %q", c)
		}
		m[c] = i
	}
	return m, nil
}
