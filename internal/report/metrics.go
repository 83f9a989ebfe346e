package report

import (
	"batchbench/internal/batch"
	"batchbench/internal/metrics"
	"batchbench/internal/model"
)

// MetricsSink publishes each result through the process-global metrics backend.
type MetricsSink struct{}

func (MetricsSink) Record(r Result) error {
	run := metrics.Labels{"backend": r.BackendLabel, "status": r.Status()}
	metrics.IncCounter(metrics.RunsTotal, 1, run)
	metrics.ObserveHistogram(metrics.RunDurationSeconds, r.Elapsed.Seconds(), run)

	for kind, n := range map[model.Kind]int{
		model.KindParent: r.Stats.ParentRows,
		model.KindChild:  r.Stats.ChildRows,
	} {
		metrics.IncCounter(metrics.RowsTotal, float64(n), metrics.Labels{"backend": r.BackendLabel, "kind": string(kind)})
	}
	for kind, n := range map[model.Kind]int{
		model.KindParent: r.Stats.ParentExecs,
		model.KindChild:  r.Stats.ChildExecs,
	} {
		metrics.IncCounter(metrics.BatchesTotal, float64(n), metrics.Labels{"backend": r.BackendLabel, "kind": string(kind)})
	}
	return nil
}

// FlushObserver is a batch.Observer that records the duration of every
// flush that reached the backend.
type FlushObserver struct {
	Backend string
}

func (FlushObserver) OnStatement(model.Kind, int64)      {}
func (FlushObserver) OnStateChange(from, to batch.State) {}

func (o FlushObserver) OnFlush(ev batch.FlushEvent) {
	if ev.Rows == 0 {
		return
	}
	metrics.ObserveHistogram(metrics.FlushDurationSeconds, ev.Duration.Seconds(), metrics.Labels{"backend": o.Backend, "kind": string(ev.Kind)})
}

var _ batch.Observer = FlushObserver{}
