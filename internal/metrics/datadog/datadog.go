// Package datadog submits keyindex metrics to the Datadog v2 intake.
//
// Updates are aggregated in a window that is shipped every FlushEvery
// (one minute by default) and once more on Close, so a single indexing run
// appears as a short series rather than one spike at exit. Killing the
// process before Close loses the open window.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"keyindex/internal/metrics"
)

// Metric names as they appear in Datadog.
const (
	seriesStepTotal    = "keyindex.step.total"
	seriesKeysTotal    = "keyindex.keys.total"
	seriesStepDuration = "keyindex.step.duration_seconds"
)

// unknown replaces empty label values.
const unknown = "unknown"

// quantiles emitted for every step-duration window, by metric suffix.
var quantiles = []struct {
	suffix string
	q      float64
}{
	{".p50", 0.50},
	{".p90", 0.90},
	{".p95", 0.95},
	{".p99", 0.99},
}

// Options configures NewBackend.
type Options struct {
	// JobName is sent as tag job:<name>. Defaults to "keyindex".
	JobName string

	// Tags are appended to every series, e.g. "env:prod".
	Tags []string

	// FlushEvery is the submission interval. Defaults to 60s.
	FlushEvery time.Duration

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter submitter
}

// submitter is the subset of *datadogV2.MetricsApi used here.
type submitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesID identifies one aggregated series. Unused fields stay empty.
type seriesID struct {
	kind   string
	step   string
	status string
	state  string
}

func (id seriesID) tags(base []string) []string {
	out := append([]string(nil), base...)
	out = append(out, "kind:"+id.kind)
	if id.state != "" {
		return append(out, "state:"+id.state)
	}
	return append(out, "step:"+id.step, "status:"+id.status)
}

func labelOr(l metrics.Labels, key string) string {
	if v := l[key]; v != "" {
		return v
	}
	return unknown
}

// window holds everything recorded since the last flush.
type window struct {
	steps     map[seriesID]float64
	keys      map[seriesID]float64
	durations map[seriesID][]float64
}

func newWindow() window {
	return window{
		steps:     map[seriesID]float64{},
		keys:      map[seriesID]float64{},
		durations: map[seriesID][]float64{},
	}
}

func (w window) empty() bool {
	return len(w.steps)+len(w.keys)+len(w.durations) == 0
}

// Backend implements metrics.Backend.
type Backend struct {
	api        submitter
	ctx        context.Context
	tags       []string
	flushEvery time.Duration
	now        func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	cur window
}

var _ metrics.Backend = (*Backend)(nil)

// envTag reads the deployment environment from ENV, then DD_ENV.
func envTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return "env:" + v
		}
	}
	return "env:" + unknown
}

// NewBackend starts a backend that submits through the official client.
// Credentials come from DD_API_KEY and DD_SITE; submission errors surface
// from Flush and Close.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, fmt.Errorf("datadog metrics init: nil context")
	}
	if opts.JobName == "" {
		opts.JobName = "keyindex"
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = time.Minute
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.newTicker == nil {
		opts.newTicker = time.NewTicker
	}
	if opts.submitter == nil {
		opts.submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        opts.submitter,
		ctx:        dd.NewDefaultContext(parent),
		tags:       append([]string{envTag(), "job:" + opts.JobName}, opts.Tags...),
		flushEvery: opts.FlushEvery,
		now:        opts.now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		cur:        newWindow(),
	}
	ticker := opts.newTicker(b.flushEvery)
	go b.run(ticker)
	return b, nil
}

func (b *Backend) run(t *time.Ticker) {
	defer close(b.done)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Close stops the ticker loop and flushes what is left. It is safe to call
// more than once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend. Non-positive deltas, unknown names
// and key counts without a state are dropped.
func (b *Backend) IncCounter(name string, delta float64, l metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		id := seriesID{kind: labelOr(l, "kind"), step: labelOr(l, "step"), status: labelOr(l, "status")}
		b.mu.Lock()
		b.cur.steps[id] += delta
		b.mu.Unlock()
	case metrics.KeysTotal:
		if l["state"] == "" {
			return
		}
		id := seriesID{kind: labelOr(l, "kind"), state: l["state"]}
		b.mu.Lock()
		b.cur.keys[id] += delta
		b.mu.Unlock()
	}
}

// ObserveHistogram implements metrics.Backend for step durations.
func (b *Backend) ObserveHistogram(name string, v float64, l metrics.Labels) {
	if name != metrics.StepDurationSeconds || v < 0 {
		return
	}
	id := seriesID{kind: labelOr(l, "kind"), step: labelOr(l, "step"), status: labelOr(l, "status")}
	b.mu.Lock()
	b.cur.durations[id] = append(b.cur.durations[id], v)
	b.mu.Unlock()
}

// Flush ships the current window and starts a new one. A failed submission
// still discards the window. Empty windows are not sent.
func (b *Backend) Flush() error {
	b.mu.Lock()
	w := b.cur
	b.cur = newWindow()
	b.mu.Unlock()

	if w.empty() {
		return nil
	}
	body := datadogV2.MetricPayload{Series: b.series(w, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, body, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// series renders w as Datadog series stamped at ts, ordered by metric name
// and then by tags.
func (b *Backend) series(w window, ts int64) []datadogV2.MetricSeries {
	var out []datadogV2.MetricSeries
	for id, v := range w.steps {
		out = append(out, point(seriesStepTotal, datadogV2.METRICINTAKETYPE_COUNT, v, id.tags(b.tags), ts))
	}
	for id, v := range w.keys {
		out = append(out, point(seriesKeysTotal, datadogV2.METRICINTAKETYPE_COUNT, v, id.tags(b.tags), ts))
	}
	for id, samples := range w.durations {
		out = append(out, summary(seriesStepDuration, samples, id.tags(b.tags), ts)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return strings.Join(out[i].Tags, ",") < strings.Join(out[j].Tags, ",")
	})
	return out
}

// summary returns quantile, max and sample-count gauges for samples without
// reordering the caller's slice.
func summary(name string, samples []float64, tags []string, ts int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return nil
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	out := make([]datadogV2.MetricSeries, 0, len(quantiles)+2)
	for _, q := range quantiles {
		out = append(out, point(name+q.suffix, gauge, nearestRank(sorted, q.q), tags, ts))
	}
	return append(out,
		point(name+".max", gauge, sorted[len(sorted)-1], tags, ts),
		point(name+".samples", gauge, float64(len(sorted)), tags, ts),
	)
}

func point(name string, typ datadogV2.MetricIntakeType, v float64, tags []string, ts int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: name,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

// nearestRank picks the q-quantile of an ascending slice.
func nearestRank(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	i := int(q*float64(n-1) + 0.5)
	if i >= n {
		i = n - 1
	}
	return sorted[i]
}

// ParseTagsCSV splits "env:prod, team:data" into tags, dropping blanks.
func ParseTagsCSV(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
