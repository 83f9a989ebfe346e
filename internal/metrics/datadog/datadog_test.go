package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"batchbench/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if got == nil {
		t.Fatalf("wrapInitErr(err)=nil, want non-nil")
	}
	if !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr prefix missing: %v", got)
	}
	if !errors.Is(got, in) {
		t.Fatalf("wrapInitErr did not wrap original error: got=%v", got)
	}
}

func TestNewBackend_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := NewBackend(nil, Options{}); err == nil {
		t.Fatalf("NewBackend(nil) err=nil, want error")
	}
}

// TestPairKeyRoundTrip verifies key encoding/decoding.
func TestPairKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{name: "normal", a: "sqlite", b: "ok"},
		{name: "empty_first", a: "", b: "post"},
		{name: "empty_second", a: "postgres", b: ""},
		{name: "both_empty", a: "", b: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := splitPairKey(pairKey(tc.a, tc.b))
			if a != tc.a || b != tc.b {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", a, b, tc.a, tc.b)
			}
		})
	}

	t.Run("split_without_separator_defaults_unknown", func(t *testing.T) {
		a, b := splitPairKey("no-sep")
		if a != "no-sep" || b != "unknown" {
			t.Fatalf("splitPairKey()=(%q,%q), want=(%q,%q)", a, b, "no-sep", "unknown")
		}
	})
}

// TestWithTags verifies tag concatenation and immutability.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:batchbench"}
	got := withTags(base, "backend:sqlite", "status:ok")
	want := []string{"env:test", "job:batchbench", "backend:sqlite", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestCountAndGaugeSeries(t *testing.T) {
	now := int64(1234567)

	g := gaugeSeries("batchbench.test.gauge", 3.14, []string{"env:test"}, now)
	if g.Type == nil || *g.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("Type=%v, want GAUGE", g.Type)
	}
	if len(g.Points) != 1 || *g.Points[0].Timestamp != now || *g.Points[0].Value != 3.14 {
		t.Fatalf("unexpected points: %+v", g.Points)
	}

	c := countSeries("batchbench.test.count", 2, nil, now)
	if c.Type == nil || *c.Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("Type=%v, want COUNT", c.Type)
	}
}

// TestAddPercentiles verifies addPercentiles produces the expected series and does not mutate input.
func TestAddPercentiles(t *testing.T) {
	tags := []string{"env:test", "backend:sqlite", "kind:post"}
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, tags, "batchbench.flush.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}

	byName := map[string]float64{}
	for _, s := range series {
		byName[s.Metric] = *s.Points[0].Value
		if !reflect.DeepEqual(s.Tags, tags) {
			t.Fatalf("%s tags=%v, want %v", s.Metric, s.Tags, tags)
		}
	}
	if byName["batchbench.flush.duration_seconds.samples"] != 5 {
		t.Fatalf("samples gauge=%v, want 5", byName["batchbench.flush.duration_seconds.samples"])
	}
	if byName["batchbench.flush.duration_seconds.max"] != 5 {
		t.Fatalf("max gauge=%v, want 5", byName["batchbench.flush.duration_seconds.max"])
	}

	var none []datadogV2.MetricSeries
	addPercentiles(&none, tags, "x", nil, 1)
	if len(none) != 0 {
		t.Fatalf("empty samples produced %d series", len(none))
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:bench"},
		submitter: fs,
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:batchbench") {
		t.Fatalf("baseTags missing job:batchbench: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:bench") {
		t.Fatalf("baseTags missing service:bench: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

// TestFlush_SubmitsAndResets verifies Flush submits buffered metrics and resets buffers.
func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"backend": "sqlite", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 40, metrics.Labels{"backend": "sqlite", "kind": "post"})
	b.IncCounter(metrics.RowsTotal, 120, metrics.Labels{"backend": "sqlite", "kind": "post_comment"})
	b.IncCounter(metrics.BatchesTotal, 6, metrics.Labels{"backend": "sqlite", "kind": "post"})
	b.ObserveHistogram(metrics.RunDurationSeconds, 1.5, metrics.Labels{"backend": "sqlite", "status": "ok"})
	b.ObserveHistogram(metrics.FlushDurationSeconds, 0.01, metrics.Labels{"backend": "sqlite", "kind": "post"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}

	snap := b.snapshotAndReset()
	if !snap.isEmpty() {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("series not sorted by metric: %v", names)
	}
	for _, w := range []string{
		"batchbench.batches.total",
		"batchbench.rows.total",
		"batchbench.runs.total",
		"batchbench.run.duration_seconds.p50",
		"batchbench.run.duration_seconds.samples",
		"batchbench.flush.duration_seconds.p99",
		"batchbench.flush.duration_seconds.max",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	var rowsSeries int
	for _, s := range payload.Series {
		if s.Metric == "batchbench.rows.total" {
			rowsSeries++
			if !contains(s.Tags, "backend:sqlite") || !contains(s.Tags, "job:job1") {
				t.Fatalf("rows series tags=%v", s.Tags)
			}
		}
	}
	if rowsSeries != 2 {
		t.Fatalf("rows series=%d, want 2 (one per kind)", rowsSeries)
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_ReturnsSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"backend": "pq", "status": "error"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submission error")
	}
	fs.err = nil
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush() err=%v, want nil (buffers dropped)", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

// TestLoopAndClose verifies the background loop flushes periodically and Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"backend": "badger", "kind": "post"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.count() >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"backend": "badger", "kind": "post"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

// TestBackend_ConcurrentAccess verifies thread-safety of buffering.
func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"backend": "mssql", "kind": "post"})
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"backend": "mssql", "kind": "post"})
				b.ObserveHistogram(metrics.FlushDurationSeconds, 0.01, metrics.Labels{"backend": "mssql", "kind": "post"})
			}
		}()
	}
	wg.Wait()

	if got := b.batchCounts[pairKey("mssql", "post")]; got != float64(workers*iters) {
		t.Fatalf("batch count=%v, want %d", got, workers*iters)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

// TestIncCounterAndObserveHistogram_EdgeCases verifies ignored paths and defaults.
func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer func() { _ = b.Close() }()

	// Ignored: non-positive delta, missing row kind, unknown name, negative sample.
	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"backend": "sqlite"})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.FlushDurationSeconds, -1, metrics.Labels{"backend": "sqlite", "kind": "post"})

	snap := b.snapshotAndReset()
	if !snap.isEmpty() {
		t.Fatalf("ignored inputs were buffered: %+v", snap)
	}

	// Missing labels default to "unknown".
	b.IncCounter(metrics.RunsTotal, 1, nil)
	b.ObserveHistogram(metrics.RunDurationSeconds, 0.1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var sawCount, sawP50 bool
	for _, s := range payload.Series {
		unknown := contains(s.Tags, "backend:unknown") && contains(s.Tags, "status:unknown")
		if s.Metric == "batchbench.runs.total" && unknown {
			sawCount = true
		}
		if s.Metric == "batchbench.run.duration_seconds.p50" && unknown {
			sawP50 = true
		}
	}
	if !sawCount || !sawP50 {
		t.Fatalf("expected unknown-labelled runs series; got %+v", payload.Series)
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "empty_returns_nil",
			in:   "",
			want: nil,
		},
		{
			name: "trims_and_skips_empty_segments",
			in:   " env:prod , ,service:bench,  ,team:data ",
			want: []string{"env:prod", "service:bench", "team:data"},
		},
		{
			name: "single_tag",
			in:   "service:bench",
			want: []string{"service:bench"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
