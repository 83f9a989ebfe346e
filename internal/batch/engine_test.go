package batch

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchbench/internal/model"
)

type observed struct {
	statements map[model.Kind]int
	flushes    []FlushEvent
	states     []string
}

func newObserved() *observed { return &observed{statements: map[model.Kind]int{}} }

func (o *observed) OnStatement(kind model.Kind, _ int64) { o.statements[kind]++ }
func (o *observed) OnFlush(ev FlushEvent)                { o.flushes = append(o.flushes, ev) }
func (o *observed) OnStateChange(from, to State) {
	o.states = append(o.states, from.String()+">"+to.String())
}

func (o *observed) flushRows() []int {
	out := make([]int, len(o.flushes))
	for i, ev := range o.flushes {
		out[i] = ev.Rows
	}
	return out
}

// expectedTriggers counts child positions where ((i+1)*j) % b == 0.
func expectedTriggers(p, c, b int) int {
	n := 0
	for i := 0; i < p; i++ {
		for j := 0; j < c; j++ {
			if ((i+1)*j)%b == 0 {
				n++
			}
		}
	}
	return n
}

func rowsSent(r *recorder, table string) int {
	n := 0
	for _, b := range r.batches[table] {
		n += len(b)
	}
	return n
}

// TestEngine_WorkedExample walks P=2, C=2, B=2. The external indices are
// 0, 1, 0, 2 so three positions trigger; with the drain that is four flushes.
func TestEngine_WorkedExample(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	obs := newObserved()
	e := &Engine{
		Conn:     rec,
		Workload: Workload{ParentCount: 2, ChildrenPerParent: 2, BatchSize: 2},
		Observer: obs,
	}

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, e.State())

	assert.Equal(t, 3, stats.FlushTriggers)
	assert.Equal(t, 4, stats.Flushes)
	assert.Equal(t, 2, stats.ParentRows)
	assert.Equal(t, 4, stats.ChildRows)
	assert.Equal(t, 2, stats.ParentExecs)
	assert.Equal(t, 3, stats.ChildExecs)

	assert.Equal(t, []string{
		"prepare post",
		"prepare post_comment",
		"batch post 1",
		"batch post_comment 1",
		"batch post 1",
		"batch post_comment 2",
		"batch post_comment 1",
		"close post_comment",
		"close post",
	}, rec.calls())

	// Parent first, then child, for every flush; empty flushes report 0 rows.
	assert.Equal(t, []int{1, 1, 1, 2, 0, 1, 0, 0}, obs.flushRows())
	for i, ev := range obs.flushes {
		want := model.KindParent
		if i%2 == 1 {
			want = model.KindChild
		}
		assert.Equal(t, want, ev.Kind, "flush %d", i)
		assert.Equal(t, i >= 6, ev.Terminal, "flush %d", i)
	}

	assert.Equal(t, 2, obs.statements[model.KindParent])
	assert.Equal(t, 4, obs.statements[model.KindChild])
}

func TestEngine_BindAndFlushCounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		w    Workload
	}{
		{name: "defaults", w: DefaultWorkload()},
		{name: "threshold 1", w: Workload{ParentCount: 13, ChildrenPerParent: 3, BatchSize: 1}},
		{name: "threshold 7", w: Workload{ParentCount: 31, ChildrenPerParent: 4, BatchSize: 7}},
		{name: "threshold larger than workload", w: Workload{ParentCount: 3, ChildrenPerParent: 2, BatchSize: 1000}},
		{name: "single child", w: Workload{ParentCount: 10, ChildrenPerParent: 1, BatchSize: 3}},
		{name: "no parents", w: Workload{ParentCount: 0, ChildrenPerParent: 5, BatchSize: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := newRecorder()
			e := &Engine{Conn: rec, Workload: tt.w}
			stats, err := e.Run(context.Background())
			require.NoError(t, err)

			p, c := tt.w.ParentCount, tt.w.ChildrenPerParent
			assert.Equal(t, p, stats.ParentRows)
			assert.Equal(t, p*c, stats.ChildRows)
			assert.Equal(t, p, rowsSent(rec, "post"))
			assert.Equal(t, p*c, rowsSent(rec, "post_comment"))

			want := expectedTriggers(p, c, tt.w.BatchSize)
			assert.Equal(t, want, stats.FlushTriggers)
			assert.Equal(t, want+1, stats.Flushes)
		})
	}
}

// TestEngine_NoChildrenDrainsParents checks that parents queued with no child
// loop are still sent by the final drain.
func TestEngine_NoChildrenDrainsParents(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	e := &Engine{Conn: rec, Workload: Workload{ParentCount: 5, ChildrenPerParent: 0, BatchSize: 2}}

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FlushTriggers)
	assert.Equal(t, 1, stats.Flushes)

	require.Len(t, rec.batches["post"], 1)
	assert.Len(t, rec.batches["post"][0], 5)
	assert.Empty(t, rec.batches["post_comment"])
}

func TestEngine_InvalidThresholdFailsBeforeBackend(t *testing.T) {
	t.Parallel()

	for _, b := range []int{0, -5} {
		rec := newRecorder()
		obs := newObserved()
		e := &Engine{Conn: rec, Workload: Workload{ParentCount: 2, ChildrenPerParent: 2, BatchSize: b}, Observer: obs}

		_, err := e.Run(context.Background())
		var ce *ConfigError
		require.ErrorAs(t, err, &ce, "batch=%d", b)
		assert.Equal(t, "batch_size", ce.Field)
		assert.Empty(t, rec.calls(), "no backend call expected")
		assert.Empty(t, obs.statements)
		assert.Equal(t, StateAborted, e.State())
	}
}

func TestEngine_UnknownModeFailsBeforeBackend(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	obs := newObserved()
	e := &Engine{Conn: rec, Workload: Workload{ParentCount: 3, ChildrenPerParent: 2, BatchSize: 50}, Mode: Mode(7), Observer: obs}

	stats, err := e.Run(context.Background())
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "mode", ce.Field)
	assert.Empty(t, rec.calls(), "no backend call expected")
	assert.Zero(t, stats.Rows())
	assert.Equal(t, StateAborted, e.State())
}

func TestEngine_WorkloadValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w     Workload
		field string
	}{
		{w: Workload{ParentCount: -1, ChildrenPerParent: 1, BatchSize: 1}, field: "parent_count"},
		{w: Workload{ParentCount: 1, ChildrenPerParent: -1, BatchSize: 1}, field: "children_per_parent"},
		{w: Workload{ParentCount: 1, ChildrenPerParent: 1, BatchSize: 0}, field: "batch_size"},
	}
	for _, tt := range tests {
		err := tt.w.Validate()
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, tt.field, ce.Field)
	}
	assert.NoError(t, DefaultWorkload().Validate())
}

func TestEngine_FlushErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("fk violation")
	rec := newRecorder()
	rec.batchErr = map[string]error{"post_comment": boom}
	obs := newObserved()
	e := &Engine{
		Conn:     rec,
		Workload: Workload{ParentCount: 3, ChildrenPerParent: 2, BatchSize: 2},
		Observer: obs,
	}

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, boom)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "flush", be.Op)
	assert.Equal(t, "post_comment", be.Statement)
	assert.Equal(t, StateAborted, e.State())

	// The parent batch was already sent; no retry, both statements closed.
	assert.Equal(t, []string{
		"prepare post",
		"prepare post_comment",
		"batch post 1",
		"batch post_comment 1",
		"close post_comment",
		"close post",
	}, rec.calls())
	assert.Equal(t, "flushing>aborted", obs.states[len(obs.states)-1])
}

func TestEngine_DrainErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	rec := newRecorder()
	rec.batchErr = map[string]error{"post": boom}
	obs := newObserved()
	e := &Engine{
		Conn:     rec,
		Workload: Workload{ParentCount: 2, ChildrenPerParent: 0, BatchSize: 1},
		Observer: obs,
	}

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateAborted, e.State())
	assert.Equal(t, "draining>aborted", obs.states[len(obs.states)-1])
}

func TestEngine_PrepareErrorClosesAcquired(t *testing.T) {
	t.Parallel()

	boom := errors.New("no such table")
	rec := newRecorder()
	rec.prepareErr = map[string]error{"post_comment": boom}
	e := &Engine{Conn: rec, Workload: DefaultWorkload()}

	_, err := e.Run(context.Background())
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "prepare", be.Op)
	assert.Equal(t, []string{"prepare post", "prepare post_comment", "close post"}, rec.calls())
	assert.Equal(t, StateAborted, e.State())
}

func TestEngine_CloseErrorSurfaces(t *testing.T) {
	t.Parallel()

	boom := errors.New("close failed")
	rec := newRecorder()
	rec.closeErr = map[string]error{"post": boom}
	e := &Engine{Conn: rec, Workload: Workload{ParentCount: 1, ChildrenPerParent: 1, BatchSize: 1}}

	stats, err := e.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateDone, e.State(), "close after a completed run does not abort it")
	assert.Equal(t, 2, stats.Flushes)
}

func TestEngine_RowMode(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	e := &Engine{
		Conn:     rec,
		Workload: Workload{ParentCount: 2, ChildrenPerParent: 1, BatchSize: 1},
		Mode:     ModeRow,
	}

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ParentExecs)
	assert.Equal(t, 2, stats.ChildExecs)
	assert.Equal(t, 3, stats.Flushes)
	assert.Empty(t, rec.batches)
	assert.Equal(t, []string{
		"prepare post",
		"prepare post_comment",
		"exec post [Post no. 0 0 0]",
		"exec post_comment [0 Post comment 0 0 0]",
		"exec post [Post no. 1 0 1]",
		"exec post_comment [1 Post comment 0 0 1]",
		"close post_comment",
		"close post",
	}, rec.calls())
}

func TestEngine_CountStrategy(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	e := &Engine{
		Conn:     rec,
		Workload: Workload{ParentCount: 10, ChildrenPerParent: 5, BatchSize: 10},
		Strategy: CountStrategy{},
	}

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.FlushTriggers)
	assert.Equal(t, 6, stats.Flushes)
	for _, b := range rec.batches["post_comment"] {
		assert.Len(t, b, 10)
	}
}

func TestEngine_StrategyErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("strategy exploded")
	rec := newRecorder()
	e := &Engine{
		Conn:     rec,
		Workload: Workload{ParentCount: 1, ChildrenPerParent: 1, BatchSize: 1},
		Strategy: FlushFunc(func(_, _, _ int) (bool, error) { return false, boom }),
	}

	_, err := e.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateAborted, e.State())
	assert.Equal(t, []string{"prepare post", "prepare post_comment", "close post_comment", "close post"}, rec.calls())
}

func TestEngine_StateTransitions(t *testing.T) {
	t.Parallel()

	obs := newObserved()
	e := &Engine{
		Conn:     newRecorder(),
		Workload: Workload{ParentCount: 1, ChildrenPerParent: 1, BatchSize: 1},
		Observer: obs,
	}
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"idle>running",
		"running>flushing",
		"flushing>running",
		"running>draining",
		"draining>done",
	}, obs.states)
}

func TestEngine_SingleUse(t *testing.T) {
	t.Parallel()

	e := &Engine{Conn: newRecorder(), Workload: Workload{ParentCount: 1, BatchSize: 1}}
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	assert.ErrorContains(t, err, "state done")
}

func TestEngine_MissingConn(t *testing.T) {
	t.Parallel()

	e := &Engine{Workload: DefaultWorkload()}
	_, err := e.Run(context.Background())
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "conn", ce.Field)
}

func TestEngine_DebugTimingsLogsFlushes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	e := &Engine{
		Conn:         newRecorder(),
		Workload:     Workload{ParentCount: 1, ChildrenPerParent: 1, BatchSize: 1},
		Logger:       log.New(&buf, "", 0),
		DebugTimings: true,
	}
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "stage=flush stmt=post rows=1 terminal=false")
	assert.Contains(t, out, "stage=flush stmt=post_comment rows=0 terminal=true")
	assert.Contains(t, out, "stage=run ok mode=batch parents=1 children=1 flushes=2")
}
