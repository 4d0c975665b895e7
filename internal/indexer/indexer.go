// Package indexer runs the end-to-end indexing workflow for one dataset:
// collect candidate keys, load the existing mapping, allocate indices for new
// keys, persist them with an insert-only merge and join the mapping back onto
// the dataset as an index column.
//
// An Indexer holds no per-dataset state. Datasets flow through index.Chain
// values, so one Indexer can serve many chains concurrently.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"keyindex/internal/dataset"
	"keyindex/internal/index"
	"keyindex/internal/metrics"
	"keyindex/internal/normalize"
	"keyindex/internal/storage"
)

// ErrNoEngine is returned by New when no compute engine is supplied.
var ErrNoEngine = errors.New("indexer: no compute engine")

// Logger is satisfied by *log.Logger.
type Logger = storage.Logger

const tracerName = "keyindex/internal/indexer"

// Entity describes one indexing call.
type Entity struct {
	// Kind names the entity category and its mapping table.
	Kind string

	// Columns are the source columns forming the key, in hierarchy order.
	Columns []string

	// Mode decides whether unseen keys get new indices.
	Mode index.Mode

	// Namespace overrides the Indexer's namespace for this entity. Zero
	// keeps it. Ignored without a store.
	Namespace storage.Namespace

	// Reference is the existing mapping to extend when the Indexer has no
	// store. nil means absent. Ignored when a store is configured.
	Reference *index.Mapping
}

// Result summarises one indexing call.
type Result struct {
	Kind   string
	Column string

	// Table is the qualified mapping table, empty without a store.
	Table string

	Candidates int
	Allocated  int
	Inserted   int
	Unmapped   int

	// Lost lists keys allocated by this call that are absent from the
	// reloaded mapping because a concurrent writer took their index. They
	// join to a null index; a later run allocates them again. Only set with
	// WithReloadAfterMerge.
	Lost []string

	// Mapping is the mapping joined onto the dataset.
	Mapping index.Mapping
}

// Indexer runs indexing calls against one engine and an optional store.
type Indexer struct {
	engine  dataset.Engine
	store   storage.MappingStore
	ns      storage.Namespace
	logger  Logger
	logf    func(format string, v ...any)
	metrics metrics.Backend
	tracer  trace.Tracer
	reload  bool
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithStore persists mappings in store under ns. A zero ns means the
// store's default namespace.
func WithStore(store storage.MappingStore, ns storage.Namespace) Option {
	return func(ix *Indexer) {
		ix.store = store
		ix.ns = ns
	}
}

// WithLogger sets the logger. nil discards.
func WithLogger(l Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

// WithMetrics sets the metrics backend. Without it the process-wide backend
// installed with metrics.SetBackend is used.
func WithMetrics(b metrics.Backend) Option {
	return func(ix *Indexer) { ix.metrics = b }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The default
// records nothing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(ix *Indexer) {
		if tp != nil {
			ix.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithReloadAfterMerge makes every merge followed by a reload of the mapping
// table, so the join reflects rows committed by concurrent writers.
func WithReloadAfterMerge(on bool) Option {
	return func(ix *Indexer) { ix.reload = on }
}

// New builds an Indexer. With a store it ensures the requested namespace,
// falling back to the store's default namespace when that fails.
func New(ctx context.Context, engine dataset.Engine, opts ...Option) (*Indexer, error) {
	if engine == nil {
		return nil, ErrNoEngine
	}

	ix := &Indexer{
		engine: engine,
		tracer: noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, o := range opts {
		o(ix)
	}
	ix.logf = storage.Logf(ix.logger)

	if ix.store != nil {
		ns, err := ix.resolveNamespace(ctx)
		if err != nil {
			return nil, err
		}
		ix.ns = ns
	}
	return ix, nil
}

func (ix *Indexer) resolveNamespace(ctx context.Context) (storage.Namespace, error) {
	def := ix.store.DefaultNamespace()
	want := ix.ns
	if want.IsZero() {
		want = def
	}

	err := ix.store.EnsureNamespace(ctx, want)
	if err == nil {
		ix.logf("stage=namespace namespace=%s", want)
		return want, nil
	}
	if want == def {
		return storage.Namespace{}, fmt.Errorf("indexer: ensure namespace %s: %w", want, err)
	}

	ix.logf("level=warn stage=namespace namespace=%s fallback=%s err=%v", want, def, err)
	if ferr := ix.store.EnsureNamespace(ctx, def); ferr != nil {
		return storage.Namespace{}, fmt.Errorf("indexer: ensure namespace %s (fallback from %s): %w", def, want, errors.Join(ferr, err))
	}
	return def, nil
}

// Namespace returns the namespace mapping tables live in. It is zero when
// the Indexer has no store.
func (ix *Indexer) Namespace() storage.Namespace { return ix.ns }

// Index indexes chain's current table for e and returns the extended chain.
// The input chain is left unchanged.
//
// With a store, only pairs allocated by this call are merged. A merge error
// is logged and returned with a zero Chain, since the stored mapping may
// then be incomplete.
func (ix *Indexer) Index(ctx context.Context, chain index.Chain, e Entity) (out index.Chain, res Result, err error) {
	ctx, span := ix.tracer.Start(ctx, "keyindex.index", trace.WithAttributes(
		attribute.String("keyindex.kind", e.Kind),
		attribute.StringSlice("keyindex.columns", e.Columns),
		attribute.String("keyindex.mode", e.Mode.String()),
	))
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordStep(ix.metrics, e.Kind, "index", status, time.Since(start))
	}()

	res = Result{Kind: e.Kind}

	t := chain.Current()
	if t == nil {
		return index.Chain{}, res, fmt.Errorf("indexer: %s: chain has no table", e.Kind)
	}
	if err := storage.ValidateKind(e.Kind); err != nil {
		return index.Chain{}, res, fmt.Errorf("indexer: %w", err)
	}
	cols, err := t.ColumnIndexes(e.Columns)
	if err != nil {
		return index.Chain{}, res, fmt.Errorf("indexer: %s: %w", e.Kind, err)
	}
	if len(cols) == 0 {
		return index.Chain{}, res, fmt.Errorf("indexer: %s: no source columns", e.Kind)
	}

	candidates, err := ix.engine.DistinctKeys(ctx, t, normalize.KeyFunc(cols))
	if err != nil {
		return index.Chain{}, res, fmt.Errorf("indexer: %s: distinct keys: %w", e.Kind, err)
	}
	res.Candidates = len(candidates)
	metrics.RecordKeys(ix.metrics, e.Kind, metrics.KeysCandidate, len(candidates))

	var ref storage.TableRef
	existing := e.Reference
	if ix.store != nil {
		ns := ix.ns
		if !e.Namespace.IsZero() {
			if err := ix.store.EnsureNamespace(ctx, e.Namespace); err != nil {
				return index.Chain{}, res, fmt.Errorf("indexer: %s: ensure namespace %s: %w", e.Kind, e.Namespace, err)
			}
			ns = e.Namespace
		}
		ref, err = storage.NewTableRef(ns, e.Kind)
		if err != nil {
			return index.Chain{}, res, fmt.Errorf("indexer: %w", err)
		}
		res.Table = ref.Qualified()

		m, err := storage.Load(ctx, ix.store, ref, ix.logger)
		if err != nil {
			return index.Chain{}, res, fmt.Errorf("indexer: %s: %w", e.Kind, err)
		}
		existing = &m
	}

	alloc, err := ix.allocate(ctx, e, candidates, existing)
	if err != nil {
		return index.Chain{}, res, err
	}
	res.Allocated = len(alloc.New)
	res.Unmapped = len(alloc.Unmapped)
	mapping := alloc.Mapping

	if ix.store != nil && len(alloc.New) > 0 {
		inserted, err := ix.merge(ctx, ref, alloc.New)
		res.Inserted = int(inserted)
		if err != nil {
			ix.logf("level=error stage=merge kind=%s table=%s pairs=%d err=%v", e.Kind, ref, len(alloc.New), err)
			return index.Chain{}, res, fmt.Errorf("indexer: %s: merge: %w", e.Kind, err)
		}
		if skipped := len(alloc.New) - int(inserted); skipped > 0 {
			ix.logf("level=warn stage=merge kind=%s table=%s skipped=%d reload=%t", e.Kind, ref, skipped, ix.reload)
		}
		if ix.reload {
			m, err := storage.Load(ctx, ix.store, ref, ix.logger)
			if err != nil {
				return index.Chain{}, res, fmt.Errorf("indexer: %s: reload: %w", e.Kind, err)
			}
			mapping = m
			res.Lost = lostKeys(alloc.New, m)
			if len(res.Lost) > 0 {
				ix.logf("level=warn stage=reload kind=%s table=%s lost=%d keys=%s", e.Kind, ref, len(res.Lost), strings.Join(res.Lost, ","))
			}
		}
	}
	res.Mapping = mapping

	out, err = chain.Apply(ctx, ix.engine, e.Columns, e.Kind, mapping)
	if err != nil {
		return index.Chain{}, res, fmt.Errorf("indexer: %s: %w", e.Kind, err)
	}
	steps := out.Steps()
	res.Column = steps[len(steps)-1].Column

	ix.logf("stage=index kind=%s column=%s candidates=%d allocated=%d inserted=%d unmapped=%d duration=%s",
		e.Kind, res.Column, res.Candidates, res.Allocated, res.Inserted, res.Unmapped,
		time.Since(start).Truncate(time.Millisecond))
	return out, res, nil
}

// lostKeys returns the keys of allocated that m does not contain, in
// allocation order.
func lostKeys(allocated []index.Pair, m index.Mapping) []string {
	var out []string
	for _, p := range allocated {
		if !m.Contains(p.Key) {
			out = append(out, p.Key)
		}
	}
	return out
}

func (ix *Indexer) allocate(ctx context.Context, e Entity, candidates []string, existing *index.Mapping) (alloc index.Allocation, err error) {
	_, span := ix.tracer.Start(ctx, "keyindex.allocate")
	start := time.Now()
	defer func() {
		ix.finishStep(span, e.Kind, "allocate", start, err)
	}()

	alloc, err = index.Allocate(candidates, existing, e.Mode)
	if err != nil {
		return index.Allocation{}, fmt.Errorf("indexer: %s: %w", e.Kind, err)
	}
	span.SetAttributes(
		attribute.Int("keyindex.allocated", len(alloc.New)),
		attribute.Int("keyindex.unmapped", len(alloc.Unmapped)),
		attribute.Bool("keyindex.existing", existing != nil),
	)
	metrics.RecordKeys(ix.metrics, e.Kind, metrics.KeysAllocated, len(alloc.New))
	metrics.RecordKeys(ix.metrics, e.Kind, metrics.KeysUnmapped, len(alloc.Unmapped))
	return alloc, nil
}

func (ix *Indexer) merge(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (n int64, err error) {
	ctx, span := ix.tracer.Start(ctx, "keyindex.merge", trace.WithAttributes(
		attribute.String("keyindex.table", ref.Qualified()),
		attribute.Int("keyindex.pairs", len(pairs)),
	))
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("keyindex.inserted", n))
		ix.finishStep(span, ref.Kind, "merge", start, err)
	}()

	n, err = ix.store.MergeInsertOnly(ctx, ref, pairs)
	metrics.RecordKeys(ix.metrics, ref.Kind, metrics.KeysInserted, int(n))
	return n, err
}

func (ix *Indexer) finishStep(span trace.Span, kind, step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	metrics.RecordStep(ix.metrics, kind, step, status, time.Since(start))
}

// Customer indexes the customer entity from columns, appending new keys.
func (ix *Indexer) Customer(ctx context.Context, chain index.Chain, columns ...string) (index.Chain, Result, error) {
	return ix.Index(ctx, chain, Entity{Kind: "customer", Columns: columns, Mode: index.ModeAppend})
}

// Plant indexes the plant entity from columns, appending new keys.
func (ix *Indexer) Plant(ctx context.Context, chain index.Chain, columns ...string) (index.Chain, Result, error) {
	return ix.Index(ctx, chain, Entity{Kind: "plant", Columns: columns, Mode: index.ModeAppend})
}

// Material indexes the material entity from columns, appending new keys.
func (ix *Indexer) Material(ctx context.Context, chain index.Chain, columns ...string) (index.Chain, Result, error) {
	return ix.Index(ctx, chain, Entity{Kind: "material", Columns: columns, Mode: index.ModeAppend})
}
