package index

import (
	"fmt"
	"sort"
	"strings"
)

// Mode selects what happens to candidate keys missing from an existing mapping.
type Mode int

const (
	// ModeAppend gives new keys the next consecutive indices.
	ModeAppend Mode = iota

	// ModeKnownOnly never allocates: new keys stay unmapped and join to a
	// null index. Use it to index a table against a reference mapping
	// without growing that mapping.
	ModeKnownOnly
)

func (m Mode) String() string {
	switch m {
	case ModeAppend:
		return "append"
	case ModeKnownOnly:
		return "known_only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "append" (also the empty string) or "known_only".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return ModeAppend, nil
	case "known_only", "known-only", "knownonly":
		return ModeKnownOnly, nil
	default:
		return 0, fmt.Errorf("index: unknown mode %q (want append or known_only)", s)
	}
}

// Allocation is the result of Allocate.
type Allocation struct {
	// Mapping is existing ∪ New.
	Mapping Mapping

	// New holds the pairs created by this call, ascending by index. These are
	// what a durable store must merge.
	New []Pair

	// Unmapped holds candidate keys left without an index (ModeKnownOnly),
	// ascending.
	Unmapped []string
}

// Allocate computes the complete key->index mapping for a set of observed
// candidate keys.
//
// Rules:
//   - Candidates are treated as a set: duplicates and "" are ignored.
//   - existing == nil: indices 1..N go to the candidates in ascending
//     byte-wise key order.
//   - existing != nil, ModeAppend: new keys get Max()+1, Max()+2, … in
//     ascending key order; existing pairs are never changed.
//   - existing != nil, ModeKnownOnly: nothing is allocated; new keys are
//     reported in Unmapped.
//
// The ascending-key tie-break makes the output independent of input order and
// of how the candidate set was computed. Allocate has no shared state and is
// safe for concurrent use.
func Allocate(candidates []string, existing *Mapping, mode Mode) (Allocation, error) {
	if mode != ModeAppend && mode != ModeKnownOnly {
		return Allocation{}, fmt.Errorf("index: unsupported mode %v", mode)
	}

	var base Mapping
	if existing != nil {
		base = *existing
	}

	fresh := newKeys(candidates, base)

	if existing != nil && mode == ModeKnownOnly {
		return Allocation{Mapping: base, Unmapped: fresh}, nil
	}

	next := base.Max()
	added := make([]Pair, len(fresh))
	for i, k := range fresh {
		next++
		added[i] = Pair{Key: k, Index: next}
	}
	if len(added) == 0 {
		return Allocation{Mapping: base}, nil
	}

	all := make([]Pair, 0, base.Len()+len(added))
	all = append(all, base.pairs...)
	all = append(all, added...)
	m, err := NewMapping(all)
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{Mapping: m, New: added}, nil
}

// newKeys returns candidates - existing keys, distinct, non-empty, ascending.
func newKeys(candidates []string, existing Mapping) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, k := range candidates {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if existing.Contains(k) {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
