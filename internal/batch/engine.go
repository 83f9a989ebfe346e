package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"batchbench/internal/model"
	"batchbench/internal/storage"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Preparer supplies backend statements. storage.Conn satisfies it.
type Preparer interface {
	Prepare(ctx context.Context, query string) (storage.Statement, error)
}

// Workload is the shape of one benchmark run.
type Workload struct {
	ParentCount       int `json:"parent_count"`
	ChildrenPerParent int `json:"children_per_parent"`
	BatchSize         int `json:"batch_size"`
}

// DefaultWorkload returns 1000 parents × 5 children with a batch threshold of 50.
func DefaultWorkload() Workload {
	return Workload{ParentCount: 1000, ChildrenPerParent: 5, BatchSize: 50}
}

// Validate returns a *ConfigError for the first invalid field.
func (w Workload) Validate() error {
	if w.ParentCount < 0 {
		return &ConfigError{Field: "parent_count", Reason: fmt.Sprintf("must be >= 0, got %d", w.ParentCount)}
	}
	if w.ChildrenPerParent < 0 {
		return &ConfigError{Field: "children_per_parent", Reason: fmt.Sprintf("must be >= 0, got %d", w.ChildrenPerParent)}
	}
	return CheckThreshold(w.BatchSize)
}

// State is the engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFlushing
	StateDraining
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFlushing:
		return "flushing"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FlushEvent describes one statement flush.
type FlushEvent struct {
	Kind     model.Kind
	Rows     int // 0 when nothing was pending; the backend was not called
	Terminal bool
	Duration time.Duration
}

// Observer receives engine events. All callbacks run on the engine goroutine.
type Observer interface {
	// OnStatement is called after a row has been queued.
	OnStatement(kind model.Kind, key int64)
	OnFlush(ev FlushEvent)
	OnStateChange(from, to State)
}

type nopObserver struct{}

func (nopObserver) OnStatement(model.Kind, int64) {}
func (nopObserver) OnFlush(FlushEvent)            {}
func (nopObserver) OnStateChange(State, State)    {}

// Stats summarizes a run.
type Stats struct {
	ParentRows int
	ChildRows  int

	// FlushTriggers counts strategy-triggered flushes. Flushes adds the final
	// drain, so a completed run has Flushes == FlushTriggers+1.
	FlushTriggers int
	Flushes       int

	// Backend round trips per statement.
	ParentExecs int
	ChildExecs  int
}

// Rows returns the total rows bound.
func (s Stats) Rows() int { return s.ParentRows + s.ChildRows }

// Engine drives the parent/child insert workload through two reusable
// statements.
//
// An Engine is single use: create one per run.
type Engine struct {
	Conn     Preparer
	Workload Workload

	// Strategy defaults to ModuloStrategy.
	Strategy FlushStrategy
	Mode     Mode

	Observer Observer
	Logger   Logger

	// DebugTimings logs every flush with its duration.
	DebugTimings bool

	state State
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Run executes the workload.
//
// Order of operations:
//  1. Validate the workload (no backend calls on failure).
//  2. Prepare the parent then the child statement; both are closed on every
//     exit path, child first.
//  3. For each parent: bind and queue it, then each of its children. After
//     each child the strategy is asked with externalIndex = (i+1)*j; on true
//     the parent statement is flushed, then the child statement.
//  4. Drain: flush both statements unconditionally.
//
// Any error moves the engine to StateAborted and is returned as-is; nothing is
// retried. Rows already sent by one statement stay sent when the other fails.
func (e *Engine) Run(ctx context.Context) (stats Stats, err error) {
	if e.state != StateIdle {
		return stats, fmt.Errorf("engine: Run called in state %s", e.state)
	}
	defer func() {
		if err != nil && e.state != StateDone {
			e.setState(StateAborted)
		}
	}()

	if e.Conn == nil {
		return stats, &ConfigError{Field: "conn", Reason: "required"}
	}
	if err := e.Workload.Validate(); err != nil {
		return stats, err
	}
	if err := e.Mode.Validate(); err != nil {
		return stats, err
	}

	logf := e.logger()
	obs := e.observer()
	strategy := e.strategy()
	w := e.Workload

	parent, err := e.prepare(ctx, model.KindParent, model.InsertParentSQL, ParentSlots)
	if err != nil {
		return stats, err
	}
	defer func() {
		stats.ParentExecs = parent.Executions()
		err = joinClose(err, parent)
	}()

	child, err := e.prepare(ctx, model.KindChild, model.InsertChildSQL, ChildSlots)
	if err != nil {
		return stats, err
	}
	defer func() {
		stats.ChildExecs = child.Executions()
		err = joinClose(err, child)
	}()

	start := time.Now()
	e.setState(StateRunning)

	var binder Binder
	for i := 0; i < w.ParentCount; i++ {
		p := model.NewParent(i)
		if err := binder.BindParent(parent, p); err != nil {
			return stats, err
		}
		if err := parent.AddRow(ctx); err != nil {
			return stats, err
		}
		stats.ParentRows++
		obs.OnStatement(model.KindParent, p.ID)

		for j := 0; j < w.ChildrenPerParent; j++ {
			c := model.NewChild(i, j, w.ChildrenPerParent)
			if err := binder.BindChild(child, c); err != nil {
				return stats, err
			}
			if err := child.AddRow(ctx); err != nil {
				return stats, err
			}
			stats.ChildRows++
			obs.OnStatement(model.KindChild, c.ID)

			externalIndex := (i + 1) * j
			flush, err := strategy.ShouldFlush(child.Pending(), w.BatchSize, externalIndex)
			if err != nil {
				return stats, err
			}
			if !flush {
				continue
			}

			stats.FlushTriggers++
			e.setState(StateFlushing)
			if err := e.flushAll(ctx, false, parent, child); err != nil {
				return stats, err
			}
			stats.Flushes++
			e.setState(StateRunning)
		}
	}

	e.setState(StateDraining)
	if err := e.flushAll(ctx, true, parent, child); err != nil {
		return stats, err
	}
	stats.Flushes++
	e.setState(StateDone)

	logf("stage=run ok mode=%s parents=%d children=%d flushes=%d duration=%s",
		e.Mode, stats.ParentRows, stats.ChildRows, stats.Flushes, durMS(start))
	return stats, nil
}

// flushAll flushes stmts in the given order, stopping at the first error.
func (e *Engine) flushAll(ctx context.Context, terminal bool, stmts ...*Statement) error {
	obs := e.observer()
	for _, s := range stmts {
		start := time.Now()
		n, err := s.Flush(ctx)
		if err != nil {
			return err
		}
		d := time.Since(start)
		obs.OnFlush(FlushEvent{Kind: s.Kind(), Rows: n, Terminal: terminal, Duration: d})
		if e.DebugTimings {
			e.logger()("stage=flush stmt=%s rows=%d terminal=%t duration=%s", s.Name(), n, terminal, d.Truncate(time.Microsecond))
		}
	}
	return nil
}

func (e *Engine) prepare(ctx context.Context, kind model.Kind, query string, slots []SlotType) (*Statement, error) {
	ps, err := e.Conn.Prepare(ctx, query)
	if err != nil {
		return nil, &BackendError{Statement: string(kind), Op: "prepare", Err: err}
	}
	return NewStatement(kind, slots, ps, e.Mode), nil
}

func (e *Engine) setState(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.observer().OnStateChange(from, to)
}

func (e *Engine) strategy() FlushStrategy {
	if e.Strategy == nil {
		return ModuloStrategy{}
	}
	return e.Strategy
}

func (e *Engine) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

func joinClose(err error, s *Statement) error {
	if cerr := s.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
