// Package metrics is the process-wide metrics facade.
//
// Code records through the package functions; cmd/ wires a concrete Backend
// (e.g. datadog) with SetBackend. Until then a nop backend swallows everything.
package metrics

import "sync"

// Metric names recorded by the benchmark.
const (
	RunsTotal            = "batchbench_runs_total"             // labels: backend, status
	RowsTotal            = "batchbench_rows_total"             // labels: backend, kind
	BatchesTotal         = "batchbench_batches_total"          // labels: backend, kind
	RunDurationSeconds   = "batchbench_run_duration_seconds"   // labels: backend, status
	FlushDurationSeconds = "batchbench_flush_duration_seconds" // labels: backend, kind
)

// Labels are metric dimensions. Backends decide which keys they keep.
type Labels map[string]string

// Backend receives metric events.
//
// Implementations must be safe for concurrent use; parallel runs record at
// the same time.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. nil restores the nop backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered metrics through the installed backend.
func Flush() error {
	return current().Flush()
}
