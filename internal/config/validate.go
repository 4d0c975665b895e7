package config

import (
	"fmt"
	"strings"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path uses JSON-style field paths, e.g.
// "entities[1].mode".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline checks p and returns every problem found, in field order.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Input.Path) == "" {
		errf("input.path", "is required")
	}
	switch f := p.Input.InputFormat(); f {
	case FormatCSV, FormatJSON:
	default:
		errf("input.format", "unsupported format %q (want csv or json)", f)
	}
	if strings.TrimSpace(p.Output.Path) == "" {
		errf("output.path", "is required")
	}
	if p.Workers < 0 {
		errf("workers", "must be >= 0, got %d", p.Workers)
	}

	hasStore := strings.TrimSpace(p.Storage.Kind) != ""
	switch {
	case !hasStore && p.Storage.DSN != "":
		errf("storage.kind", "is required when storage.dsn is set")
	case !hasStore:
		warnf("storage", "no storage configured; mappings are not persisted")
	}
	if (p.Storage.Catalog == "") != (p.Storage.Schema == "") {
		errf("storage", "catalog and schema must be set together")
	} else if p.Storage.Catalog != "" {
		ns := storage.Namespace{Catalog: p.Storage.Catalog, Schema: p.Storage.Schema}
		if err := ns.Validate(); err != nil {
			errf("storage", "%v", err)
		}
	}

	if len(p.Entity) == 0 {
		errf("entities", "at least one entity is required")
	}
	seen := map[string]int{}
	for i, e := range p.Entity {
		base := fmt.Sprintf("entities[%d]", i)
		if err := storage.ValidateKind(e.Kind); err != nil {
			errf(base+".kind", "%v", err)
		} else if j, dup := seen[e.Kind]; dup {
			errf(base+".kind", "duplicate kind %q (also entities[%d])", e.Kind, j)
		} else {
			seen[e.Kind] = i
		}

		if len(e.Columns) == 0 {
			errf(base+".columns", "at least one column is required")
		}
		for c, col := range e.Columns {
			if strings.TrimSpace(col) == "" {
				errf(fmt.Sprintf("%s.columns[%d]", base, c), "column name is empty")
			}
		}

		if e.Table != "" {
			if ref, err := storage.ParseTableRef(e.Table); err != nil {
				errf(base+".table", "%v", err)
			} else if ref.Kind != e.Kind {
				errf(base+".table", "table %s belongs to kind %q, not %q", e.Table, ref.Kind, e.Kind)
			}
		}

		mode, err := index.ParseMode(e.Mode)
		if err != nil {
			errf(base+".mode", "%v", err)
			continue
		}
		if mode == index.ModeKnownOnly && !hasStore {
			warnf(base+".mode", "known_only without storage has no existing mapping; every key is allocated")
		}
	}
	return out
}
