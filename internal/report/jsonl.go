package report

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Record is the JSONL form of a Result.
//
// This output is intended for machine parsing. Additive changes are safe;
// renames and removals break downstream consumers.
type Record struct {
	Timestamp     string  `json:"ts"`
	RunID         string  `json:"run_id"`
	Run           string  `json:"run"`
	Backend       string  `json:"backend"`
	Kind          string  `json:"kind"`
	Mode          string  `json:"mode"`
	Strategy      string  `json:"strategy"`
	Parents       int     `json:"parents"`
	Children      int     `json:"children_per_parent"`
	BatchSize     int     `json:"batch_size"`
	ParentRows    int     `json:"parent_rows"`
	ChildRows     int     `json:"child_rows"`
	FlushTriggers int     `json:"flush_triggers"`
	Flushes       int     `json:"flushes"`
	ParentExecs   int     `json:"parent_execs"`
	ChildExecs    int     `json:"child_execs"`
	DurationMs    int64   `json:"duration_ms"`
	RowsPerSecond float64 `json:"rows_per_second"`
	Status        string  `json:"status"`
	Error         string  `json:"error,omitempty"`
}

// NewRecord converts r, stamping it with ts in RFC 3339 (UTC, nanoseconds).
func NewRecord(r Result, ts time.Time) Record {
	rec := Record{
		Timestamp:     ts.UTC().Format(time.RFC3339Nano),
		RunID:         r.RunID.String(),
		Run:           r.RunLabel,
		Backend:       r.BackendLabel,
		Kind:          r.BackendKind,
		Mode:          r.Mode,
		Strategy:      r.Strategy,
		Parents:       r.Workload.ParentCount,
		Children:      r.Workload.ChildrenPerParent,
		BatchSize:     r.Workload.BatchSize,
		ParentRows:    r.Stats.ParentRows,
		ChildRows:     r.Stats.ChildRows,
		FlushTriggers: r.Stats.FlushTriggers,
		Flushes:       r.Stats.Flushes,
		ParentExecs:   r.Stats.ParentExecs,
		ChildExecs:    r.Stats.ChildExecs,
		DurationMs:    r.Millis(),
		RowsPerSecond: r.RowsPerSecond(),
		Status:        r.Status(),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// JSONLSink writes one JSON object per line to W. Safe for concurrent use.
type JSONLSink struct {
	W io.Writer

	// Now defaults to time.Now.
	Now func() time.Time

	mu  sync.Mutex
	enc *json.Encoder
}

func (s *JSONLSink) Record(r Result) error {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	rec := NewRecord(r, now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		s.enc = json.NewEncoder(s.W)
	}
	return s.enc.Encode(rec)
}
