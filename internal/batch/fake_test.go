package batch

import (
	"context"
	"fmt"
	"sync"

	"batchbench/internal/storage"
)

// recorder is a fake storage backend that records every call in order.
type recorder struct {
	mu  sync.Mutex
	log []string

	// batches holds the rows of every ExecBatch call, keyed by table.
	batches map[string][][][]any

	prepareErr map[string]error
	batchErr   map[string]error
	closeErr   map[string]error
}

func newRecorder() *recorder {
	return &recorder{batches: map[string][][][]any{}}
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, fmt.Sprintf(format, args...))
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) Prepare(_ context.Context, query string) (storage.Statement, error) {
	tpl, err := storage.ParseInsert(query)
	if err != nil {
		return nil, err
	}
	r.add("prepare %s", tpl.Table)
	if err := r.prepareErr[tpl.Table]; err != nil {
		return nil, err
	}
	return &recStmt{r: r, table: tpl.Table}, nil
}

type recStmt struct {
	r     *recorder
	table string
}

func (s *recStmt) Exec(_ context.Context, args []any) error {
	s.r.add("exec %s %v", s.table, args)
	return nil
}

func (s *recStmt) ExecBatch(_ context.Context, rows [][]any) error {
	s.r.add("batch %s %d", s.table, len(rows))
	if err := s.r.batchErr[s.table]; err != nil {
		return err
	}
	cp := make([][]any, len(rows))
	for i, row := range rows {
		cp[i] = append([]any(nil), row...)
	}
	s.r.mu.Lock()
	s.r.batches[s.table] = append(s.r.batches[s.table], cp)
	s.r.mu.Unlock()
	return nil
}

func (s *recStmt) Close() error {
	s.r.add("close %s", s.table)
	return s.r.closeErr[s.table]
}
