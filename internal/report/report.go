// Package report times benchmark runs and hands their outcome to sinks.
//
// A run's failure is data here: it is recorded with its message and never
// returned past Reporter.Time.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchbench/internal/batch"
)

// Logger is the minimal logging interface used by sinks. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Result is the outcome of one run against one backend.
type Result struct {
	RunID        uuid.UUID
	RunLabel     string
	BackendLabel string
	BackendKind  string

	Mode     string
	Strategy string
	Workload batch.Workload

	Elapsed time.Duration
	Stats   batch.Stats
	Err     error
}

// OK reports whether the run completed without error.
func (r Result) OK() bool { return r.Err == nil }

// Status is "ok" or "error"; it is used as a metrics label.
func (r Result) Status() string {
	if r.Err != nil {
		return "error"
	}
	return "ok"
}

// Millis is Elapsed in whole milliseconds.
func (r Result) Millis() int64 { return r.Elapsed.Milliseconds() }

// RowsPerSecond is the throughput over Elapsed; 0 when Elapsed is 0.
func (r Result) RowsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Stats.Rows()) / r.Elapsed.Seconds()
}

// Sink receives finished results. Record may be called from several
// goroutines when targets run in parallel.
type Sink interface {
	Record(r Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r Result) error

func (f SinkFunc) Record(r Result) error { return f(r) }

// MultiSink records to every sink in order and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(r Result) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reporter wraps runs with a wall-clock timer and records their results.
type Reporter struct {
	Sink   Sink
	Logger Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Time runs fn, measures it and records the result. r supplies the
// identifying fields; Elapsed, Stats and Err are filled in here, and RunID
// when it is zero.
//
// The run's error is carried in the returned Result only. A sink failure is
// logged and otherwise ignored.
func (rp *Reporter) Time(ctx context.Context, r Result, fn func(ctx context.Context) (batch.Stats, error)) Result {
	now := rp.Now
	if now == nil {
		now = time.Now
	}
	if r.RunID == uuid.Nil {
		r.RunID = uuid.New()
	}

	start := now()
	stats, err := runGuarded(ctx, fn)
	r.Elapsed = now().Sub(start)
	r.Stats = stats
	r.Err = err

	if rp.Sink != nil {
		if serr := rp.Sink.Record(r); serr != nil {
			rp.logf("report: sink error run=%s backend=%s: %v", r.RunID, r.BackendLabel, serr)
		}
	}
	return r
}

// runGuarded turns a panic in fn into an error so one target cannot take
// down the others.
func runGuarded(ctx context.Context, fn func(ctx context.Context) (batch.Stats, error)) (stats batch.Stats, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (rp *Reporter) logf(format string, v ...any) {
	if rp.Logger == nil {
		return
	}
	rp.Logger.Printf(format, v...)
}

// LogSink writes one line per result:
//
//	<label>.insert for <backend> took <N> millis
type LogSink struct {
	Logger Logger
}

func (s LogSink) Record(r Result) error {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	if r.Err != nil {
		l.Printf("%s.insert for %s failed after %d millis: %v", r.RunLabel, r.BackendLabel, r.Millis(), r.Err)
		return nil
	}
	l.Printf("%s.insert for %s took %d millis", r.RunLabel, r.BackendLabel, r.Millis())
	return nil
}

// Collector keeps every recorded result in arrival order.
type Collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *Collector) Record(r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

// Results returns a copy of the recorded results.
func (c *Collector) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

// Failed counts results with an error.
func (c *Collector) Failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
