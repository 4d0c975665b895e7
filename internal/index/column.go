package index

import "strings"

// ColumnPrefix marks index columns.
const ColumnPrefix = "Index__"

// keyRolePrefixes are recognised source-column prefixes; they are replaced by
// ColumnPrefix. Matching is case-insensitive.
var keyRolePrefixes = []string{"FK__", "PK__", "keyP__", "keyF__", ColumnPrefix}

// ColumnName returns the index column name for a single source column:
// a recognised key-role prefix is swapped for ColumnPrefix, otherwise
// ColumnPrefix is prepended.
//
//	"FK__customer" -> "Index__customer"
//	"keyP__plant"  -> "Index__plant"
//	"material"     -> "Index__material"
func ColumnName(source string) string {
	for _, p := range keyRolePrefixes {
		if len(source) >= len(p) && strings.EqualFold(source[:len(p)], p) {
			return ColumnPrefix + source[len(p):]
		}
	}
	return ColumnPrefix + source
}

// ColumnNameFor returns the index column name for an indexing call. Composite
// identities are named after the entity kind.
func ColumnNameFor(kind string, sources []string) string {
	if len(sources) == 1 {
		return ColumnName(sources[0])
	}
	return ColumnPrefix + kind
}

// IsIndexColumn reports whether name carries the index marker.
func IsIndexColumn(name string) bool {
	return len(name) >= len(ColumnPrefix) && strings.EqualFold(name[:len(ColumnPrefix)], ColumnPrefix)
}
