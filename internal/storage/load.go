package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"keyindex/internal/index"
)

// Logger is the minimal logging interface used by stores and loaders.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Logf returns l.Printf, or a discarding printf when l is nil.
func Logf(l Logger) func(format string, v ...any) {
	if l == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return l.Printf
}

// Load ensures the mapping table for ref exists and returns its repaired
// contents.
//
// Stored duplicates can only come from writers that bypassed the insert-only
// merge. They are resolved by index.Repair and every dropped row is logged at
// warn level; the stored table itself is left untouched.
func Load(ctx context.Context, store MappingStore, ref TableRef, logger Logger) (index.Mapping, error) {
	if store == nil {
		return index.Mapping{}, fmt.Errorf("storage: load %s: nil store", ref)
	}
	if err := store.EnsureSchema(ctx, ref); err != nil {
		return index.Mapping{}, fmt.Errorf("storage: ensure schema %s: %w", ref, err)
	}

	rows, err := store.LoadPairs(ctx, ref)
	if err != nil {
		return index.Mapping{}, fmt.Errorf("storage: load %s: %w", ref, err)
	}

	m, dropped := index.Repair(rows)
	logf := Logf(logger)
	for _, p := range dropped {
		logf("level=warn stage=load table=%s dropped_row key=%q index=%d", ref, p.Key, p.Index)
	}
	return m, nil
}

// StagingName returns a unique, identifier-safe name for a merge staging
// structure, e.g. "stg_customer_3f2a…".
func StagingName(kind string) string {
	return "stg_" + kind + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Chunks splits pairs into consecutive slices of at most size elements.
func Chunks(pairs []index.Pair, size int) [][]index.Pair {
	if size <= 0 {
		size = len(pairs)
	}
	var out [][]index.Pair
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		out = append(out, pairs[start:end])
	}
	return out
}
