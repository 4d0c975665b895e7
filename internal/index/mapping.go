// Package index assigns stable, consecutive integer surrogate keys to
// normalized entity keys and folds the resulting index columns onto datasets.
package index

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidPair reports an empty key or a non-positive index.
	ErrInvalidPair = errors.New("index: invalid pair")

	// ErrNotBijective reports a key with two indices or an index with two keys.
	ErrNotBijective = errors.New("index: mapping is not bijective")
)

// Pair is one (normalized key, surrogate index) assignment.
type Pair struct {
	Key   string `json:"key"`
	Index int64  `json:"index"`
}

// Mapping is an immutable bijection between normalized keys and positive
// indices for one entity kind. The zero value is an empty mapping.
type Mapping struct {
	pairs []Pair // ascending by Index
	byKey map[string]int64
}

// NewMapping validates pairs and builds a Mapping.
//
// Errors:
//   - ErrInvalidPair when a key is empty or an index is < 1.
//   - ErrNotBijective when a key or an index occurs twice.
func NewMapping(pairs []Pair) (Mapping, error) {
	byKey := make(map[string]int64, len(pairs))
	byIndex := make(map[int64]string, len(pairs))

	for _, p := range pairs {
		if p.Key == "" {
			return Mapping{}, fmt.Errorf("%w: empty key for index %d", ErrInvalidPair, p.Index)
		}
		if p.Index < 1 {
			return Mapping{}, fmt.Errorf("%w: key %q has index %d", ErrInvalidPair, p.Key, p.Index)
		}
		if prev, ok := byKey[p.Key]; ok {
			return Mapping{}, fmt.Errorf("%w: key %q has indices %d and %d", ErrNotBijective, p.Key, prev, p.Index)
		}
		if prev, ok := byIndex[p.Index]; ok {
			return Mapping{}, fmt.Errorf("%w: index %d has keys %q and %q", ErrNotBijective, p.Index, prev, p.Key)
		}
		byKey[p.Key] = p.Index
		byIndex[p.Index] = p.Key
	}

	sorted := append([]Pair(nil), pairs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return Mapping{pairs: sorted, byKey: byKey}, nil
}

// MustMapping is NewMapping for literals in tests and examples.
func MustMapping(pairs ...Pair) Mapping {
	m, err := NewMapping(pairs)
	if err != nil {
		panic(err)
	}
	return m
}

// Repair builds a Mapping from possibly corrupted stored rows.
//
// Duplicates indicate a historical race, not caller error, so they are
// resolved deterministically instead of failing:
//   - rows with an empty key or index < 1 are dropped
//   - a key stored with several indices keeps the lowest one (indices only
//     grow, so the lowest is the original assignment)
//   - if two keys still share an index, the lexicographically smaller key
//     keeps it and the other key falls back to its next stored index, if any
//
// The dropped rows are returned in a stable order for logging.
func Repair(rows []Pair) (Mapping, []Pair) {
	sorted := append([]Pair(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Index < sorted[j].Index
	})

	var dropped []Pair
	kept := make([]Pair, 0, len(sorted))
	usedIndex := make(map[int64]struct{}, len(sorted))

	for _, p := range sorted {
		if p.Key == "" || p.Index < 1 {
			dropped = append(dropped, p)
			continue
		}
		if len(kept) > 0 && kept[len(kept)-1].Key == p.Key {
			dropped = append(dropped, p)
			continue
		}
		if _, taken := usedIndex[p.Index]; taken {
			dropped = append(dropped, p)
			continue
		}
		usedIndex[p.Index] = struct{}{}
		kept = append(kept, p)
	}

	m, err := NewMapping(kept)
	if err != nil {
		// kept is bijective by construction.
		panic(err)
	}
	return m, dropped
}

// Len returns the number of pairs.
func (m Mapping) Len() int { return len(m.pairs) }

// Lookup returns the index assigned to key.
func (m Mapping) Lookup(key string) (int64, bool) {
	v, ok := m.byKey[key]
	return v, ok
}

// Contains reports whether key has an index.
func (m Mapping) Contains(key string) bool {
	_, ok := m.byKey[key]
	return ok
}

// Max returns the highest assigned index, or 0 for an empty mapping.
func (m Mapping) Max() int64 {
	if len(m.pairs) == 0 {
		return 0
	}
	return m.pairs[len(m.pairs)-1].Index
}

// Pairs returns a copy of the pairs sorted ascending by index.
func (m Mapping) Pairs() []Pair { return append([]Pair(nil), m.pairs...) }

// Keys returns the mapped keys ascending by index.
func (m Mapping) Keys() []string {
	out := make([]string, len(m.pairs))
	for i, p := range m.pairs {
		out[i] = p.Key
	}
	return out
}

// Lookups returns a key->index map suitable for a join. The map is shared;
// callers must not modify it.
func (m Mapping) Lookups() map[string]int64 {
	if m.byKey == nil {
		return map[string]int64{}
	}
	return m.byKey
}

// Equal reports whether both mappings hold exactly the same pairs.
func (m Mapping) Equal(o Mapping) bool {
	if len(m.pairs) != len(o.pairs) {
		return false
	}
	for i := range m.pairs {
		if m.pairs[i] != o.pairs[i] {
			return false
		}
	}
	return true
}
