// Package bench runs a configured workload against every backend target and
// reports one result per target.
package bench

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"batchbench/internal/batch"
	"batchbench/internal/config"
	"batchbench/internal/model"
	"batchbench/internal/report"
	"batchbench/internal/storage"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner wires config, storage, the batch engine and reporting together.
//
// The function fields are seams; NewDefaultRunner fills them with the real
// implementations.
type Runner struct {
	// Open is the storage-agnostic connection factory.
	Open func(ctx context.Context, cfg storage.Config) (storage.Conn, error)

	// ExpandEnv expands environment references in DSNs.
	ExpandEnv func(string) string

	// NewObserver returns the engine observer for one target. Optional.
	NewObserver func(backend string) batch.Observer

	Reporter *report.Reporter
	Logger   Logger
}

// NewDefaultRunner returns a Runner backed by storage.Open and os.ExpandEnv
// that records results to sink and flush timings to the metrics package.
func NewDefaultRunner(sink report.Sink, logger Logger) *Runner {
	return &Runner{
		Open:      storage.Open,
		ExpandEnv: os.ExpandEnv,
		NewObserver: func(backend string) batch.Observer {
			return report.FlushObserver{Backend: backend}
		},
		Reporter: &report.Reporter{Sink: sink, Logger: logger},
		Logger:   logger,
	}
}

// Run executes cfg.Workload once per backend target, sequentially or in
// parallel when cfg.Parallel is set, and returns the results in target order.
//
// A failing target does not stop the others; its error is carried in its
// Result. Run itself only fails when cfg cannot be turned into an engine
// configuration (unknown mode or strategy, invalid workload), and then no
// backend is touched.
func (r *Runner) Run(ctx context.Context, cfg config.Bench) ([]report.Result, error) {
	mode, err := batch.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	strategy, err := batch.ParseStrategy(cfg.FlushStrategy)
	if err != nil {
		return nil, err
	}
	if err := cfg.Workload.Validate(); err != nil {
		return nil, err
	}

	strategyName := strings.ToLower(strings.TrimSpace(cfg.FlushStrategy))
	if strategyName == "" {
		strategyName = "modulo"
	}
	t := target{cfg: cfg, mode: mode, strategy: strategy, strategyName: strategyName}

	results := make([]report.Result, len(cfg.Backends))
	if !cfg.Parallel {
		for i, b := range cfg.Backends {
			results[i] = r.runTarget(ctx, t, b)
		}
		return results, nil
	}

	var wg sync.WaitGroup
	wg.Add(len(cfg.Backends))
	for i, b := range cfg.Backends {
		go func(i int, b config.Backend) {
			defer wg.Done()
			results[i] = r.runTarget(ctx, t, b)
		}(i, b)
	}
	wg.Wait()
	return results, nil
}

// target is the per-invocation engine configuration shared by every backend.
type target struct {
	cfg          config.Bench
	mode         batch.Mode
	strategy     batch.FlushStrategy
	strategyName string
}

// runTarget opens b, prepares its tables and times one engine run.
//
// Only the engine run is timed. Setup failures are still recorded as a
// failed result so they show up in every sink.
func (r *Runner) runTarget(ctx context.Context, t target, b config.Backend) report.Result {
	res := report.Result{
		RunLabel:     t.cfg.Label,
		BackendLabel: b.Name(),
		BackendKind:  b.Kind,
		Mode:         t.mode.String(),
		Strategy:     t.strategyName,
		Workload:     t.cfg.Workload,
	}
	logf := r.logger()

	conn, err := r.setup(ctx, t.cfg, b, logf)
	if err != nil {
		logf("stage=setup backend=%s status=error err=%v", b.Name(), err)
		return r.reporter().Time(ctx, res, func(context.Context) (batch.Stats, error) {
			return batch.Stats{}, err
		})
	}
	defer conn.Close()

	var obs batch.Observer
	if r.NewObserver != nil {
		obs = r.NewObserver(b.Name())
	}
	e := &batch.Engine{
		Conn:         conn,
		Workload:     t.cfg.Workload,
		Strategy:     t.strategy,
		Mode:         t.mode,
		Observer:     obs,
		Logger:       prefixLogger{l: r.Logger, prefix: "backend=" + b.Name() + " "},
		DebugTimings: t.cfg.DebugTimings,
	}
	return r.reporter().Time(ctx, res, e.Run)
}

// setup opens the connection and applies auto_create_tables / reset_tables.
// The connection is closed on error.
func (r *Runner) setup(ctx context.Context, cfg config.Bench, b config.Backend, logf func(string, ...any)) (storage.Conn, error) {
	if r.Open == nil {
		return nil, fmt.Errorf("bench: runner has no Open func")
	}

	start := time.Now()
	conn, err := r.Open(ctx, b.StorageConfig(r.ExpandEnv))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.Kind, err)
	}
	logf("stage=open backend=%s kind=%s duration=%s", b.Name(), b.Kind, durMS(start))

	tables := model.Tables()
	if cfg.AutoCreateTables {
		start = time.Now()
		if err := conn.EnsureTables(ctx, tables); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ensure tables: %w", err)
		}
		logf("stage=ensure_tables backend=%s duration=%s", b.Name(), durMS(start))
	}
	if cfg.ResetTables {
		start = time.Now()
		if err := conn.ResetTables(ctx, tables); err != nil {
			conn.Close()
			return nil, fmt.Errorf("reset tables: %w", err)
		}
		logf("stage=reset_tables backend=%s duration=%s", b.Name(), durMS(start))
	}
	return conn, nil
}

func (r *Runner) reporter() *report.Reporter {
	if r.Reporter == nil {
		return &report.Reporter{Logger: r.Logger}
	}
	return r.Reporter
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		l := log.New(discardWriter{}, "", 0)
		return l.Printf
	}
	return r.Logger.Printf
}

// prefixLogger tags engine lines with the backend they belong to; parallel
// runs share one log.
type prefixLogger struct {
	l      Logger
	prefix string
}

func (p prefixLogger) Printf(format string, v ...any) {
	if p.l == nil {
		return
	}
	p.l.Printf(p.prefix+format, v...)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
