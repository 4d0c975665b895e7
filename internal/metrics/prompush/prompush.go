// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package. Indexing runs are short-lived, so metrics are
// collected in a private registry and pushed on Flush rather than scraped.
package prompush

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"keyindex/internal/metrics"
)

// Backend implements metrics.Backend by pushing to a Pushgateway.
type Backend struct {
	pusher *push.Pusher

	stepTotal    *prometheus.CounterVec
	keysTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	mu     sync.Mutex
	closed bool
}

// NewBackend builds a backend pushing under job to the gateway at url.
func NewBackend(job, url string) (*Backend, error) {
	job = strings.TrimSpace(job)
	url = strings.TrimSpace(url)
	if job == "" {
		return nil, fmt.Errorf("prompush: job name cannot be empty")
	}
	if url == "" {
		return nil, fmt.Errorf("prompush: pushgateway url cannot be empty")
	}

	b := &Backend{
		stepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Indexing steps by kind, step and status.",
		}, []string{"kind", "step", "status"}),
		keysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.KeysTotal,
			Help: "Keys seen by kind and state.",
		}, []string{"kind", "state"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Indexing step duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"kind", "step", "status"}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(b.stepTotal, b.keysTotal, b.stepDuration)
	b.pusher = push.New(url, job).Gatherer(reg)
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.stepTotal.WithLabelValues(label(labels, "kind"), label(labels, "step"), label(labels, "status")).Add(delta)
	case metrics.KeysTotal:
		b.keysTotal.WithLabelValues(label(labels, "kind"), label(labels, "state")).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDurationSeconds {
		return
	}
	b.stepDuration.WithLabelValues(label(labels, "kind"), label(labels, "step"), label(labels, "status")).Observe(value)
}

// Flush pushes the current values, replacing the job's group on the gateway.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close pushes once more and disables further pushes.
func (b *Backend) Close() error {
	err := b.Flush()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return err
}

func label(l metrics.Labels, name string) string {
	if v := l[name]; v != "" {
		return v
	}
	return "unknown"
}

var _ metrics.Backend = (*Backend)(nil)
