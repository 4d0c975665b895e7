// Package polish standardises a table for publishing: column names become
// lowercase identifiers, key columns get canonical values and columns are put
// in a fixed order.
//
// Columns only renames and reorders, so it is safe to run before indexing.
// Table also rewrites key values and fills missing keys with NullKey, which
// would turn a null key into a real identity; run it on indexed output only.
package polish

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"keyindex/internal/dataset"
)

// NullKey replaces missing values in key columns of published tables.
const NullKey = "na"

var nameReplacer = strings.NewReplacer(
	" ", "_", ",", "_", ";", "_", "{", "_", "}", "_",
	"(", "_", ")", "_", "\n", "_", "\t", "_", "=", "_", "-", "_",
)

// ColumnName returns the standardised form of a column name.
func ColumnName(s string) string {
	s = nameReplacer.Replace(strings.TrimSpace(s))
	return strings.ToLower(strings.Trim(s, "_"))
}

// IsKeyColumn reports whether name holds a primary or foreign business key.
func IsKeyColumn(name string) bool {
	l := strings.ToLower(name)
	return strings.Contains(l, "keyp__") || strings.Contains(l, "keyf__")
}

// Columns returns a copy of t with standardised column names in Order. Values
// are untouched. Renaming that makes two columns collide is an error.
func Columns(t *dataset.Table) (*dataset.Table, error) {
	out, err := t.Rename(ColumnName)
	if err != nil {
		return nil, fmt.Errorf("polish: %w", err)
	}
	return out.Select(Order(out.Columns())...)
}

// Table returns a polished copy of t with canonical key values.
func Table(t *dataset.Table) (*dataset.Table, error) {
	out, err := Columns(t)
	if err != nil {
		return nil, err
	}

	for _, name := range out.Columns() {
		if !IsKeyColumn(name) {
			continue
		}
		vals, err := out.Column(name)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = keyValue(v)
		}
		if out, err = out.WithColumn(name, vals); err != nil {
			return nil, fmt.Errorf("polish: %w", err)
		}
	}
	return out, nil
}

// Order returns columns grouped as index__*, keyp__*/keyf__*, *_code and the
// rest, each group sorted.
func Order(columns []string) []string {
	var idx, keys, codes, other []string
	for _, c := range columns {
		l := strings.ToLower(c)
		switch {
		case strings.HasPrefix(l, "index__"):
			idx = append(idx, c)
		case strings.HasPrefix(l, "keyp__"), strings.HasPrefix(l, "keyf__"):
			keys = append(keys, c)
		case strings.HasSuffix(l, "_code"):
			codes = append(codes, c)
		default:
			other = append(other, c)
		}
	}
	out := make([]string, 0, len(columns))
	for _, g := range [][]string{idx, keys, codes, other} {
		sort.Strings(g)
		out = append(out, g...)
	}
	return out
}

// keyValue renders v as trimmed lowercase text without leading zeros. An
// all-zero value keeps a single "0".
func keyValue(v any) any {
	var s string
	switch x := v.(type) {
	case nil:
		return NullKey
	case string:
		s = x
	case []byte:
		s = string(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case int:
		s = strconv.Itoa(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = fmt.Sprint(x)
	}

	s = strings.ToLower(strings.TrimSpace(s))
	if trimmed := strings.TrimLeft(s, "0"); trimmed != s {
		if trimmed == "" {
			trimmed = "0"
		}
		s = trimmed
	}
	return s
}
