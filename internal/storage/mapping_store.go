// Package storage defines the durable mapping store contract and the backend
// registry used to open one by kind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"keyindex/internal/index"
)

var (
	// ErrNamespaceUnavailable is returned by EnsureNamespace when the backend
	// cannot create or use the requested catalog/schema. Callers fall back to
	// DefaultNamespace.
	ErrNamespaceUnavailable = errors.New("storage: namespace unavailable")

	// ErrInvalidTableRef reports a malformed qualified mapping table name.
	ErrInvalidTableRef = errors.New("storage: invalid table reference")
)

// Config is the minimal configuration needed to open a mapping store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Logger receives warn-level notes such as failed staging teardown; nil discards.
type Config struct {
	Kind   string
	DSN    string
	Logger Logger
}

// MappingStore persists one key->index mapping table per entity kind.
//
// Each backend implements the insert-only merge in its own idiomatic way
// (Postgres ON CONFLICT, SQLite OR IGNORE, SQL Server MERGE, a Lua script on
// Redis, guarded transactions on etcd). The contract is the same everywhere:
//   - existing rows are never updated or deleted
//   - a staged row whose key or index already exists is skipped
//   - staging structures are removed on every exit path
type MappingStore interface {
	// Close releases backend resources. Treat it as "call once".
	Close()

	// DefaultNamespace is the namespace the backend can always use.
	DefaultNamespace() Namespace

	// EnsureNamespace creates ns if missing. Backends that cannot honor ns
	// return an error wrapping ErrNamespaceUnavailable.
	EnsureNamespace(ctx context.Context, ns Namespace) error

	// EnsureSchema creates the mapping table for ref if missing.
	EnsureSchema(ctx context.Context, ref TableRef) error

	// LoadPairs returns every stored row, unrepaired. Use Load for a
	// validated mapping.
	LoadPairs(ctx context.Context, ref TableRef) ([]index.Pair, error)

	// MergeInsertOnly inserts pairs whose key and index are both absent and
	// returns how many rows were inserted.
	MergeInsertOnly(ctx context.Context, ref TableRef, pairs []index.Pair) (int64, error)
}

// Factory opens a MappingStore from a Config.
type Factory func(ctx context.Context, cfg Config) (MappingStore, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package. The kind
// string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a MappingStore using the registered backend factory.
//
// Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (MappingStore, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
