// Package metrics is the backend-agnostic metrics facade. Core packages call
// the package-level helpers; binaries pick a Backend (Datadog, Pushgateway)
// with SetBackend. Until then every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the indexer.
const (
	StepTotal           = "keyindex_step_total"
	StepDurationSeconds = "keyindex_step_duration_seconds"
	KeysTotal           = "keyindex_keys_total"
)

// Key states for KeysTotal.
const (
	KeysCandidate = "candidate"
	KeysAllocated = "allocated"
	KeysInserted  = "inserted"
	KeysUnmapped  = "unmapped"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
	Close() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }
func (nopBackend) Close() error                             { return nil }

// Nop returns a backend that drops everything.
func Nop() Backend { return nopBackend{} }

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op
// backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	current = b
	mu.Unlock()
}

// Current returns the installed backend.
func Current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Flush flushes the installed backend.
func Flush() error { return Current().Flush() }

// RecordStep counts one indexing step and observes its duration.
// status is "ok" or "error".
func RecordStep(b Backend, kind, step, status string, d time.Duration) {
	if b == nil {
		b = Current()
	}
	l := Labels{"kind": kind, "step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordKeys adds n keys in the given state for kind. Zero counts are skipped.
func RecordKeys(b Backend, kind, state string, n int) {
	if n <= 0 {
		return
	}
	if b == nil {
		b = Current()
	}
	b.IncCounter(KeysTotal, float64(n), Labels{"kind": kind, "state": state})
}
