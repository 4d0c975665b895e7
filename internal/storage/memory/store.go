// Package memory is an in-process MappingStore. State lives as long as the
// Store value; it is meant for tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

func init() {
	storage.Register("memory", func(ctx context.Context, cfg storage.Config) (storage.MappingStore, error) {
		return New(), nil
	})
}

// DefaultNamespace is used when no WithDefaultNamespace option is given.
var DefaultNamespace = storage.Namespace{Catalog: "memory", Schema: "default"}

type table struct {
	rows    []index.Pair // insertion order
	byKey   map[string]struct{}
	byIndex map[int64]struct{}
}

func newTable() *table {
	return &table{byKey: map[string]struct{}{}, byIndex: map[int64]struct{}{}}
}

// Store holds mapping tables in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	def      storage.Namespace
	allowed  map[storage.Namespace]bool
	spaces   map[storage.Namespace]bool
	tables   map[string]*table
	closed   bool
	merges   int
	inserted int64
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultNamespace overrides DefaultNamespace.
func WithDefaultNamespace(ns storage.Namespace) Option {
	return func(s *Store) { s.def = ns }
}

// WithNamespaces restricts EnsureNamespace to the given namespaces plus the
// default one. Without it every valid namespace is accepted.
func WithNamespaces(ns ...storage.Namespace) Option {
	return func(s *Store) {
		if s.allowed == nil {
			s.allowed = map[storage.Namespace]bool{}
		}
		for _, n := range ns {
			s.allowed[n] = true
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		def:    DefaultNamespace,
		spaces: map[storage.Namespace]bool{},
		tables: map[string]*table{},
	}
	for _, o := range opts {
		o(s)
	}
	s.spaces[s.def] = true
	return s
}

func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) DefaultNamespace() storage.Namespace { return s.def }

func (s *Store) EnsureNamespace(ctx context.Context, ns storage.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.allowed != nil && !s.allowed[ns] && ns != s.def {
		return fmt.Errorf("%w: %s", storage.ErrNamespaceUnavailable, ns)
	}
	s.spaces[ns] = true
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context, ref storage.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if !s.spaces[ref.Namespace] {
		return fmt.Errorf("memory: namespace %s does not exist", ref.Namespace)
	}
	if _, ok := s.tables[ref.Qualified()]; !ok {
		s.tables[ref.Qualified()] = newTable()
	}
	return nil
}

func (s *Store) LoadPairs(ctx context.Context, ref storage.TableRef) ([]index.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	t, ok := s.tables[ref.Qualified()]
	if !ok {
		return nil, fmt.Errorf("memory: table %s does not exist", ref)
	}
	return append([]index.Pair(nil), t.rows...), nil
}

func (s *Store) MergeInsertOnly(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}
	t, ok := s.tables[ref.Qualified()]
	if !ok {
		return 0, fmt.Errorf("memory: table %s does not exist", ref)
	}

	s.merges++
	var n int64
	for _, p := range pairs {
		if _, dup := t.byKey[p.Key]; dup {
			continue
		}
		if _, dup := t.byIndex[p.Index]; dup {
			continue
		}
		t.byKey[p.Key] = struct{}{}
		t.byIndex[p.Index] = struct{}{}
		t.rows = append(t.rows, p)
		n++
	}
	s.inserted += n
	return n, nil
}

// Seed appends rows to ref's table without any conflict checks, creating the
// table if needed. It reproduces what a non-conforming writer could leave
// behind.
func (s *Store) Seed(ref storage.TableRef, rows ...index.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spaces[ref.Namespace] = true
	t, ok := s.tables[ref.Qualified()]
	if !ok {
		t = newTable()
		s.tables[ref.Qualified()] = t
	}
	for _, p := range rows {
		t.byKey[p.Key] = struct{}{}
		t.byIndex[p.Index] = struct{}{}
		t.rows = append(t.rows, p)
	}
}

// Stats reports how many merges ran and how many rows they inserted.
func (s *Store) Stats() (merges int, inserted int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merges, s.inserted
}

func (s *Store) usable() error {
	if s.closed {
		return fmt.Errorf("memory: store is closed")
	}
	return nil
}

var _ storage.MappingStore = (*Store)(nil)
