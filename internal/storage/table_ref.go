package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// TablePrefix and TableSuffix frame the entity kind in a mapping table name:
// kind "customer" is stored in "mapping__active_customers".
const (
	TablePrefix = "mapping__active_"
	TableSuffix = "s"

	// IndexColumn is the surrogate index column of every mapping table. The
	// key column is named after the entity kind.
	IndexColumn = "index"
)

var (
	kindPattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Namespace is the catalog/schema pair that holds mapping tables.
type Namespace struct {
	Catalog string `json:"catalog" yaml:"catalog"`
	Schema  string `json:"schema" yaml:"schema"`
}

func (ns Namespace) String() string { return ns.Catalog + "." + ns.Schema }

// IsZero reports whether neither part is set.
func (ns Namespace) IsZero() bool { return ns.Catalog == "" && ns.Schema == "" }

// Validate checks that both parts are plain identifiers. Backends splice them
// into DDL, so anything else is rejected.
func (ns Namespace) Validate() error {
	if !identPattern.MatchString(ns.Catalog) {
		return fmt.Errorf("%w: catalog %q", ErrInvalidTableRef, ns.Catalog)
	}
	if !identPattern.MatchString(ns.Schema) {
		return fmt.Errorf("%w: schema %q", ErrInvalidTableRef, ns.Schema)
	}
	return nil
}

// TableRef identifies the mapping table of one entity kind.
type TableRef struct {
	Namespace Namespace
	Kind      string
}

// NewTableRef validates ns and kind.
func NewTableRef(ns Namespace, kind string) (TableRef, error) {
	if err := ns.Validate(); err != nil {
		return TableRef{}, err
	}
	if err := ValidateKind(kind); err != nil {
		return TableRef{}, err
	}
	return TableRef{Namespace: ns, Kind: kind}, nil
}

// ValidateKind checks an entity kind: lowercase ASCII letters, digits and
// underscores, starting with a letter.
func ValidateKind(kind string) error {
	if !kindPattern.MatchString(kind) {
		return fmt.Errorf("%w: entity kind %q must match %s", ErrInvalidTableRef, kind, kindPattern)
	}
	if kind == IndexColumn {
		return fmt.Errorf("%w: entity kind %q collides with the index column", ErrInvalidTableRef, kind)
	}
	return nil
}

// Table returns the unqualified table name.
func (r TableRef) Table() string { return TablePrefix + r.Kind + TableSuffix }

// KeyColumn returns the name of the normalized key column.
func (r TableRef) KeyColumn() string { return r.Kind }

// Qualified returns "catalog.schema.table".
func (r TableRef) Qualified() string {
	return r.Namespace.Catalog + "." + r.Namespace.Schema + "." + r.Table()
}

func (r TableRef) String() string { return r.Qualified() }

// ParseTableRef parses a fully qualified mapping table name.
//
// The name must have exactly three non-empty dot-separated parts and the table
// part must follow the mapping__active_<kind>s convention. Anything else is a
// precondition violation and returns an error wrapping ErrInvalidTableRef.
func ParseTableRef(qualified string) (TableRef, error) {
	parts := strings.Split(strings.TrimSpace(qualified), ".")
	if len(parts) != 3 {
		return TableRef{}, fmt.Errorf("%w: %q must be catalog.schema.table", ErrInvalidTableRef, qualified)
	}
	for _, p := range parts {
		if p == "" {
			return TableRef{}, fmt.Errorf("%w: %q has an empty part", ErrInvalidTableRef, qualified)
		}
	}

	table := parts[2]
	if !strings.HasPrefix(table, TablePrefix) || !strings.HasSuffix(table, TableSuffix) ||
		len(table) <= len(TablePrefix)+len(TableSuffix) {
		return TableRef{}, fmt.Errorf("%w: table %q is not a %s<kind>%s name", ErrInvalidTableRef, table, TablePrefix, TableSuffix)
	}
	kind := table[len(TablePrefix) : len(table)-len(TableSuffix)]

	return NewTableRef(Namespace{Catalog: parts[0], Schema: parts[1]}, kind)
}
