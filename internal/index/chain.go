package index

import (
	"context"
	"fmt"
	"strings"

	"keyindex/internal/dataset"
	"keyindex/internal/normalize"
)

// Apply joins mapping onto t and returns the new table plus the name of the
// index column it wrote.
//
// Each row's key is built from sourceColumns with the normalize rules (one
// column: normalize.Key, several: normalize.Composite in the given order).
// Rows whose key is empty or absent from mapping get a nil index. An existing
// index column whose name differs only in case is replaced and keeps its
// name. t is never modified.
func Apply(
	ctx context.Context,
	engine dataset.Engine,
	t *dataset.Table,
	sourceColumns []string,
	kind string,
	mapping Mapping,
) (*dataset.Table, string, error) {
	if engine == nil {
		return nil, "", fmt.Errorf("index: apply %s: no compute engine", kind)
	}
	if len(sourceColumns) == 0 {
		return nil, "", fmt.Errorf("index: apply %s: no source columns", kind)
	}

	ixs, err := t.ColumnIndexes(sourceColumns)
	if err != nil {
		return nil, "", fmt.Errorf("index: apply %s: %w", kind, err)
	}

	values, err := engine.Lookup(ctx, t, normalize.KeyFunc(ixs), mapping.Lookups())
	if err != nil {
		return nil, "", fmt.Errorf("index: apply %s: join: %w", kind, err)
	}

	name := existingIndexColumn(t, ColumnNameFor(kind, sourceColumns))
	out, err := t.WithColumn(name, values)
	if err != nil {
		return nil, "", fmt.Errorf("index: apply %s: %w", kind, err)
	}
	return out, name, nil
}

func existingIndexColumn(t *dataset.Table, name string) string {
	if _, ok := t.ColumnIndex(name); ok {
		return name
	}
	for _, c := range t.Columns() {
		if IsIndexColumn(c) && strings.EqualFold(c, name) {
			return c
		}
	}
	return name
}

// Step records one indexing call of a Chain.
type Step struct {
	Kind    string
	Sources []string
	Column  string
}

// Chain folds index columns onto a dataset across a sequence of entity-kind
// indexing calls. It is a value: Apply returns a new Chain and leaves the
// receiver untouched, and the base table is kept unmodified for audit.
type Chain struct {
	base    *dataset.Table
	current *dataset.Table
	steps   []Step
}

// NewChain starts a chain from the caller's base table.
func NewChain(base *dataset.Table) Chain {
	return Chain{base: base, current: base}
}

// Base returns the table the chain started from.
func (c Chain) Base() *dataset.Table { return c.base }

// Current returns the table with every index column applied so far.
func (c Chain) Current() *dataset.Table { return c.current }

// Steps returns the applied steps in order. Re-indexing a kind that already
// wrote a column replaces that step's entry.
func (c Chain) Steps() []Step { return append([]Step(nil), c.steps...) }

// Apply indexes the current table and returns the extended chain.
func (c Chain) Apply(
	ctx context.Context,
	engine dataset.Engine,
	sourceColumns []string,
	kind string,
	mapping Mapping,
) (Chain, error) {
	if c.current == nil {
		return Chain{}, fmt.Errorf("index: chain has no base table")
	}

	next, col, err := Apply(ctx, engine, c.current, sourceColumns, kind, mapping)
	if err != nil {
		return Chain{}, err
	}

	steps := make([]Step, 0, len(c.steps)+1)
	for _, s := range c.steps {
		if strings.EqualFold(s.Column, col) {
			continue
		}
		steps = append(steps, s)
	}
	steps = append(steps, Step{Kind: kind, Sources: append([]string(nil), sourceColumns...), Column: col})

	return Chain{base: c.base, current: next, steps: steps}, nil
}
