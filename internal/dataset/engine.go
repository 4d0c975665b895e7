package dataset

import (
	"context"
	"runtime"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// KeyFunc derives a row's normalized key. "" means the row has no key.
// Implementations must be pure and safe for concurrent use.
type KeyFunc func(row []any) string

// Engine is the compute substrate used by the indexer: distinct-value
// computation with a deterministic order, and a keyed left join.
type Engine interface {
	// DistinctKeys returns the distinct non-empty keys of t, sorted ascending.
	DistinctKeys(ctx context.Context, t *Table, key KeyFunc) ([]string, error)

	// Lookup returns one value per row of t: lookup[key(row)] as int64, or nil
	// when the key is empty or absent from lookup.
	Lookup(ctx context.Context, t *Table, key KeyFunc, lookup map[string]int64) ([]any, error)
}

// LocalEngine runs Engine operations on goroutines within this process.
//
// Rows are split into contiguous partitions, one per worker. Distinct keys are
// then routed to shards by xxhash so shard sets can be merged in parallel.
// Results never depend on worker count or scheduling: the final set is sorted.
type LocalEngine struct {
	// Workers is the partition count. If <= 0, runtime.GOMAXPROCS(0) is used.
	Workers int
}

// NewLocalEngine returns a LocalEngine with the given worker count.
func NewLocalEngine(workers int) *LocalEngine { return &LocalEngine{Workers: workers} }

func (e *LocalEngine) workers(rows int) int {
	w := e.Workers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	if w > rows {
		w = rows
	}
	if w < 1 {
		w = 1
	}
	return w
}

// partitions splits [0,n) into w contiguous ranges.
func partitions(n, w int) [][2]int {
	out := make([][2]int, 0, w)
	size := (n + w - 1) / w
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// DistinctKeys implements Engine.
func (e *LocalEngine) DistinctKeys(ctx context.Context, t *Table, key KeyFunc) ([]string, error) {
	rows := t.rowsView()
	if len(rows) == 0 {
		return []string{}, nil
	}

	w := e.workers(len(rows))
	parts := partitions(len(rows), w)
	shards := len(parts)

	// buckets[p][s] holds the keys partition p routed to shard s.
	buckets := make([][]map[string]struct{}, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for p, rng := range parts {
		p, rng := p, rng
		g.Go(func() error {
			local := make([]map[string]struct{}, shards)
			for s := range local {
				local[s] = make(map[string]struct{})
			}
			for i := rng[0]; i < rng[1]; i++ {
				if i%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				k := key(rows[i])
				if k == "" {
					continue
				}
				local[xxhash.Sum64String(k)%uint64(shards)][k] = struct{}{}
			}
			buckets[p] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([][]string, shards)
	g, gctx = errgroup.WithContext(ctx)
	for s := 0; s < shards; s++ {
		s := s
		g.Go(func() error {
			set := make(map[string]struct{})
			for p := range buckets {
				for k := range buckets[p][s] {
					set[k] = struct{}{}
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			keys := make([]string, 0, len(set))
			for k := range set {
				keys = append(keys, k)
			}
			merged[s] = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, m := range merged {
		total += len(m)
	}
	out := make([]string, 0, total)
	for _, m := range merged {
		out = append(out, m...)
	}
	sort.Strings(out)
	return out, nil
}

// Lookup implements Engine.
func (e *LocalEngine) Lookup(ctx context.Context, t *Table, key KeyFunc, lookup map[string]int64) ([]any, error) {
	rows := t.rowsView()
	out := make([]any, len(rows))
	if len(rows) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rng := range partitions(len(rows), e.workers(len(rows))) {
		rng := rng
		g.Go(func() error {
			for i := rng[0]; i < rng[1]; i++ {
				if i%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				k := key(rows[i])
				if k == "" {
					continue
				}
				if v, ok := lookup[k]; ok {
					out[i] = v
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Engine = (*LocalEngine)(nil)
