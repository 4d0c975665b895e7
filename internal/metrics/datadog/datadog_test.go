package datadog

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyindex/internal/metrics"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (r *recordingSubmitter) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, r.err
}

func (r *recordingSubmitter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingSubmitter) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingSubmitter) lastSeries() []datadogV2.MetricSeries {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1].Series
}

// newTestBackend never ticks on its own.
func newTestBackend(t *testing.T, rs *recordingSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "nightly",
		FlushEvery: time.Hour,
		submitter:  rs,
		now:        func() time.Time { return time.Unix(1700000000, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func find(series []datadogV2.MetricSeries, metric string, tags ...string) *datadogV2.MetricSeries {
	for i := range series {
		if series[i].Metric != metric {
			continue
		}
		ok := true
		for _, tg := range tags {
			if !contains(series[i].Tags, tg) {
				ok = false
				break
			}
		}
		if ok {
			return &series[i]
		}
	}
	return nil
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestEnvTag(t *testing.T) {
	for _, tc := range []struct{ env, ddEnv, want string }{
		{"prod", "stage", "env:prod"},
		{"", "stage", "env:stage"},
		{"  ", "\t", "env:unknown"},
	} {
		t.Setenv("ENV", tc.env)
		t.Setenv("DD_ENV", tc.ddEnv)
		assert.Equal(t, tc.want, envTag())
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	_, err := NewBackend(nil, Options{}) //nolint:staticcheck // nil context is the case under test
	require.ErrorContains(t, err, "datadog metrics init")

	rs := &recordingSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"team:data"},
		submitter: rs,
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
	})
	require.NoError(t, err)
	defer b.Close()

	assert.Contains(t, b.tags, "job:keyindex")
	assert.Contains(t, b.tags, "team:data")
	assert.Equal(t, time.Minute, b.flushEvery)
}

func TestFlush_ShipsWindowAsSeries(t *testing.T) {
	rs := &recordingSubmitter{}
	b := newTestBackend(t, rs)

	metrics.RecordStep(b, "customer", "merge", "ok", 400*time.Millisecond)
	metrics.RecordStep(b, "customer", "merge", "ok", 200*time.Millisecond)
	metrics.RecordKeys(b, "customer", metrics.KeysAllocated, 3)
	metrics.RecordKeys(b, "customer", metrics.KeysInserted, 2)
	metrics.RecordKeys(b, "plant", metrics.KeysInserted, 5)

	require.NoError(t, b.Flush())
	require.Equal(t, 1, rs.calls())
	assert.True(t, b.cur.empty(), "window must reset after flush")

	series := rs.lastSeries()
	ins := find(series, seriesKeysTotal, "kind:customer", "state:inserted")
	require.NotNil(t, ins)
	assert.Equal(t, 2.0, *ins.Points[0].Value)
	assert.Equal(t, int64(1700000000), *ins.Points[0].Timestamp)
	assert.Equal(t, datadogV2.METRICINTAKETYPE_COUNT, *ins.Type)
	assert.Contains(t, ins.Tags, "job:nightly")

	step := find(series, seriesStepTotal, "kind:customer", "step:merge", "status:ok")
	require.NotNil(t, step)
	assert.Equal(t, 2.0, *step.Points[0].Value)

	p50 := find(series, seriesStepDuration+".p50", "step:merge")
	require.NotNil(t, p50)
	assert.Equal(t, datadogV2.METRICINTAKETYPE_GAUGE, *p50.Type)
	assert.InDelta(t, 0.4, *p50.Points[0].Value, 1e-9)
	samples := find(series, seriesStepDuration+".samples", "step:merge")
	require.NotNil(t, samples)
	assert.Equal(t, 2.0, *samples.Points[0].Value)

	for i := 1; i < len(series); i++ {
		assert.LessOrEqual(t, series[i-1].Metric, series[i].Metric, "series sorted by metric")
	}
}

func TestFlush_EmptyAndFailingSubmit(t *testing.T) {
	rs := &recordingSubmitter{}
	b := newTestBackend(t, rs)

	require.NoError(t, b.Flush())
	assert.Zero(t, rs.calls(), "empty window is not submitted")

	rs.setErr(errors.New("403 forbidden"))
	metrics.RecordKeys(b, "plant", metrics.KeysCandidate, 1)
	err := b.Flush()
	require.ErrorContains(t, err, "datadog submit")
	assert.True(t, b.cur.empty(), "window is dropped even when submit fails")
	rs.setErr(nil)
}

func TestUpdatesThatAreDropped(t *testing.T) {
	rs := &recordingSubmitter{}
	b := newTestBackend(t, rs)

	b.IncCounter(metrics.StepTotal, 0, metrics.Labels{"kind": "customer"})
	b.IncCounter(metrics.KeysTotal, 1, metrics.Labels{"kind": "customer"})
	b.IncCounter("other_total", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, nil)
	b.ObserveHistogram("other_seconds", 1, nil)

	require.NoError(t, b.Flush())
	assert.Zero(t, rs.calls())
}

func TestMissingLabelsBecomeUnknown(t *testing.T) {
	rs := &recordingSubmitter{}
	b := newTestBackend(t, rs)

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "load"})
	require.NoError(t, b.Flush())
	s := find(rs.lastSeries(), seriesStepTotal)
	require.NotNil(t, s)
	assert.Subset(t, s.Tags, []string{"kind:unknown", "step:load", "status:unknown"})
}

func TestRunLoopAndClose(t *testing.T) {
	rs := &recordingSubmitter{}
	b, err := NewBackend(context.Background(), Options{FlushEvery: 5 * time.Millisecond, submitter: rs})
	require.NoError(t, err)

	metrics.RecordKeys(b, "material", metrics.KeysAllocated, 1)
	require.Eventually(t, func() bool { return rs.calls() >= 1 }, time.Second, 2*time.Millisecond)

	metrics.RecordKeys(b, "material", metrics.KeysAllocated, 1)
	require.NoError(t, b.Close())
	assert.GreaterOrEqual(t, rs.calls(), 2)
	require.NoError(t, b.Close())
}

func TestConcurrentRecording(t *testing.T) {
	rs := &recordingSubmitter{}
	b := newTestBackend(t, rs)

	workers, iters := runtime.GOMAXPROCS(0)*4, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				metrics.RecordStep(b, "customer", "allocate", "ok", time.Millisecond)
				metrics.RecordKeys(b, "customer", metrics.KeysCandidate, 1)
			}
		}()
	}
	wg.Wait()

	want := float64(workers * iters)
	b.mu.Lock()
	gotKeys := b.cur.keys[seriesID{kind: "customer", state: metrics.KeysCandidate}]
	gotSamples := len(b.cur.durations[seriesID{kind: "customer", step: "allocate", status: "ok"}])
	b.mu.Unlock()
	assert.Equal(t, want, gotKeys)
	assert.Equal(t, int(want), gotSamples)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	in := []float64{5, 1, 3, 2, 4}
	orig := append([]float64(nil), in...)
	out := summary(seriesStepDuration, in, []string{"kind:plant"}, 9)

	require.Len(t, out, len(quantiles)+2)
	assert.Equal(t, orig, in, "input must not be reordered")
	assert.Equal(t, 3.0, *out[0].Points[0].Value)
	assert.Equal(t, seriesStepDuration+".max", out[len(out)-2].Metric)
	assert.Equal(t, 5.0, *out[len(out)-2].Points[0].Value)
	assert.Nil(t, summary(seriesStepDuration, nil, nil, 0))
}

func TestNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5}
	assert.Zero(t, nearestRank(nil, 0.5))
	assert.Equal(t, 1.0, nearestRank(s, -1))
	assert.Equal(t, 5.0, nearestRank(s, 2))
	assert.Equal(t, 3.0, nearestRank(s, 0.5))
	assert.Equal(t, 5.0, nearestRank(s, 0.9))
	assert.Equal(t, 7.0, nearestRank([]float64{7}, 0.95))
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseTagsCSV(""))
	assert.Equal(t, []string{"env:prod", "service:keyindex"}, ParseTagsCSV(" env:prod , ,service:keyindex, "))
}
