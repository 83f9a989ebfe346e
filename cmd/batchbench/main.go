package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"batchbench/internal/bench"
	"batchbench/internal/config"
	"batchbench/internal/metrics"
	"batchbench/internal/metrics/datadog"
	"batchbench/internal/report"
	"batchbench/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "batchbench/internal/storage/all"
)

// runner is the part of bench.Runner the CLI depends on.
type runner interface {
	Run(ctx context.Context, cfg config.Bench) ([]report.Result, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	newRunner   func(sink report.Sink, logger bench.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName string, getenv func(string) string) (func(), error)
	collectHost func(ctx context.Context) (report.HostInfo, error)
	getenv      func(key string) string
	createFile  func(path string) (io.WriteCloser, error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile: os.ReadFile,
		newRunner: func(sink report.Sink, logger bench.Logger) runner {
			return bench.NewDefaultRunner(sink, logger)
		},
		initMetrics: initMetrics,
		collectHost: report.CollectHost,
		getenv:      os.Getenv,
		createFile: func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		},
	}
}

// main loads the benchmark config, optionally initializes a metrics backend,
// runs every backend target and prints the results table.
func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// cliFlags are the parsed command-line values. Workload and engine flags only
// override the config file when they were set explicitly.
type cliFlags struct {
	cfgPath        string
	backend        string
	dsn            string
	label          string
	parents        int
	children       int
	batchSize      int
	mode           string
	strategy       string
	parallel       bool
	debugTimings   bool
	metricsBackend string
	validate       bool
	verbose        bool
	noColor        bool
	jsonlPath      string

	set map[string]bool
}

const usageLine = "usage: batchbench -config <file.json> | -backend <kind> [-dsn <dsn>] [flags]"

func parseFlags(args []string, stderr io.Writer) (cliFlags, error) {
	fs := flag.NewFlagSet("batchbench", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f cliFlags
	fs.StringVar(&f.cfgPath, "config", "", "benchmark config JSON path")
	fs.StringVar(&f.backend, "backend", "", "run a single backend kind (replaces config backends)")
	fs.StringVar(&f.dsn, "dsn", "", "DSN for -backend; $VARS are expanded (env DSN or DSN_* when empty)")
	fs.StringVar(&f.label, "label", "", "run label used in log lines and metrics job tag")
	fs.IntVar(&f.parents, "parents", 0, "parent rows per run")
	fs.IntVar(&f.children, "children", 0, "child rows per parent")
	fs.IntVar(&f.batchSize, "batch-size", 0, "flush threshold")
	fs.StringVar(&f.mode, "mode", "", "batch|row")
	fs.StringVar(&f.strategy, "strategy", "", "flush strategy: modulo|count|drain")
	fs.BoolVar(&f.parallel, "parallel", false, "run backend targets concurrently")
	fs.BoolVar(&f.debugTimings, "debug-timings", false, "log every flush with its duration")
	fs.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend to use (none, datadog); env METRICS_BACKEND")
	fs.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.verbose, "v", false, "enable verbose logs")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colored status column")
	fs.StringVar(&f.jsonlPath, "jsonl", "", "also write one JSON result per line to this file")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if fs.NArg() > 0 {
		return cliFlags{}, fmt.Errorf("unexpected arguments: %v\n%s", fs.Args(), usageLine)
	}

	f.set = map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	f.cfgPath = strings.TrimSpace(f.cfgPath)
	f.backend = strings.TrimSpace(f.backend)
	if f.cfgPath == "" && f.backend == "" {
		return cliFlags{}, errors.New(usageLine)
	}
	return f, nil
}

// apply overlays explicitly set flags onto cfg.
func (f cliFlags) apply(cfg *config.Bench) {
	if f.set["label"] {
		cfg.Label = f.label
	}
	if f.set["parents"] {
		cfg.Workload.ParentCount = f.parents
	}
	if f.set["children"] {
		cfg.Workload.ChildrenPerParent = f.children
	}
	if f.set["batch-size"] {
		cfg.Workload.BatchSize = f.batchSize
	}
	if f.set["mode"] {
		cfg.Mode = f.mode
	}
	if f.set["strategy"] {
		cfg.FlushStrategy = f.strategy
	}
	if f.set["parallel"] {
		cfg.Parallel = f.parallel
	}
	if f.set["debug-timings"] {
		cfg.DebugTimings = f.debugTimings
	}
	if f.backend != "" {
		cfg.Backends = []config.Backend{{Kind: f.backend, DSN: f.dsn}}
	}
}

// runMain is main without the process exit.
//
// Exit codes:
//   - 0: every run succeeded (or -validate passed).
//   - 1: config, metrics or run failure, or at least one failed run.
//   - 2: usage error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, d appDeps) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}

	logger := log.New(stderr, "", log.LstdFlags)

	cfg := config.Default()
	if f.cfgPath != "" {
		data, err := d.readFile(f.cfgPath)
		if err != nil {
			fmt.Fprintf(stderr, "read config: %v\n", err)
			return 1
		}
		cfg, err = config.Decode(bytes.NewReader(data))
		if err != nil {
			fmt.Fprintf(stderr, "parse config: %v\n", err)
			return 1
		}
	}
	if f.backend != "" {
		dsn, _, err := resolveDSN(f.backend, f.dsn, d.env)
		if err != nil {
			fmt.Fprintf(stderr, "dsn: %v\n", err)
			return 1
		}
		f.dsn = dsn
	}
	f.apply(&cfg)

	issues := config.Validate(cfg, storage.Kinds())
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss)
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(stderr, "configuration is invalid")
		return 1
	}
	if f.validate {
		fmt.Fprintln(stdout, "configuration is valid")
		return 0
	}

	backendName := f.metricsBackend
	if backendName == "" {
		backendName = d.env("METRICS_BACKEND")
	}
	cleanup, err := d.initMetrics(ctx, cfg.Label, backendName, d.env)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	table := &report.TableSink{NoColor: f.noColor}
	if d.collectHost != nil {
		host, err := d.collectHost(ctx)
		if err != nil && f.verbose {
			logger.Printf("host: %v", err)
		}
		table.Host = &host
	}

	var stageLog bench.Logger
	if f.verbose {
		stageLog = logger
		logger.Printf("bench: label=%s parents=%d children=%d batch_size=%d mode=%s strategy=%s targets=%d parallel=%t",
			cfg.Label, cfg.Workload.ParentCount, cfg.Workload.ChildrenPerParent, cfg.Workload.BatchSize,
			cfg.Mode, cfg.FlushStrategy, len(cfg.Backends), cfg.Parallel)
	}

	sink := report.MultiSink{report.LogSink{Logger: logger}, report.MetricsSink{}, table}
	if f.jsonlPath != "" {
		w, err := d.createFile(f.jsonlPath)
		if err != nil {
			fmt.Fprintf(stderr, "jsonl: %v\n", err)
			return 1
		}
		defer func() {
			if err := w.Close(); err != nil {
				fmt.Fprintf(stderr, "jsonl: close: %v\n", err)
			}
		}()
		sink = append(sink, &report.JSONLSink{W: w})
	}
	start := time.Now()
	results, err := d.newRunner(sink, stageLog).Run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	if err := table.Render(stdout); err != nil {
		fmt.Fprintf(stderr, "report: %v\n", err)
		return 1
	}
	if f.verbose {
		logger.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}

	for _, r := range results {
		if !r.OK() {
			return 1
		}
	}
	return 0
}

func (d appDeps) env(key string) string {
	if d.getenv == nil {
		return os.Getenv(key)
	}
	return d.getenv(key)
}

// metricsBackend is a metrics.Backend the CLI must close on exit.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
	logPrintf         = log.Printf
)

// initMetrics wires the named metrics backend into the metrics package.
//
// The returned cleanup is never nil and is safe to call once. For datadog it
// stops the periodic flush loop and submits whatever is still buffered.
// Extra datadog tags come from METRICS_TAGS via getenv (os.Getenv when nil).
func initMetrics(ctx context.Context, jobName, backendName string, getenv func(string) string) (func(), error) {
	noop := func() {}
	if getenv == nil {
		getenv = os.Getenv
	}
	if jobName == "" {
		jobName = "batchbench"
	}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		// Buffers metrics and submits periodically (once per minute), then one
		// final time from cleanup.
		extraTags := datadog.ParseTagsCSV(getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       extraTags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
