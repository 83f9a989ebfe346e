package batch

import (
	"context"
	"fmt"
	"strings"

	"batchbench/internal/storage"
)

// Mode selects how queued rows reach the backend.
type Mode int

const (
	// ModeBatch buffers rows and sends them in one ExecBatch call per flush.
	ModeBatch Mode = iota
	// ModeRow executes every row as soon as it is added; flush only resets
	// the counter. This is the unbatched baseline.
	ModeRow
)

func (m Mode) String() string {
	switch m {
	case ModeBatch:
		return "batch"
	case ModeRow:
		return "row"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Validate returns a *ConfigError for values other than ModeBatch and ModeRow.
func (m Mode) Validate() error {
	switch m {
	case ModeBatch, ModeRow:
		return nil
	default:
		return &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %d (want batch|row)", int(m))}
	}
}

// ParseMode maps a config value to a Mode. Empty means ModeBatch.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "batch":
		return ModeBatch, nil
	case "row":
		return ModeRow, nil
	default:
		return 0, &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q (want batch|row)", s)}
	}
}

// Accumulator counts the rows added to one statement since its last flush and
// holds them until the backend has accepted them.
type Accumulator struct {
	mode       Mode
	queue      [][]any
	pending    int
	executions int
}

// AddRow queues row.
//
// In ModeRow the row is executed immediately; if that fails the counter is
// left unchanged.
func (a *Accumulator) AddRow(ctx context.Context, backend storage.Statement, row []any) error {
	switch a.mode {
	case ModeRow:
		if err := backend.Exec(ctx, row); err != nil {
			return err
		}
		a.executions++
	case ModeBatch:
		a.queue = append(a.queue, row)
	default:
		return a.mode.Validate()
	}
	a.pending++
	return nil
}

// Flush sends the queued rows and returns how many rows the flush covered.
//
// The backend is never called with an empty batch. The counter is reset only
// after the backend reports success; on failure queue and counter are kept.
func (a *Accumulator) Flush(ctx context.Context, backend storage.Statement) (int, error) {
	if a.pending == 0 {
		return 0, nil
	}
	switch a.mode {
	case ModeBatch:
		if err := backend.ExecBatch(ctx, a.queue); err != nil {
			return 0, err
		}
		a.executions++
		clear(a.queue)
		a.queue = a.queue[:0]
	case ModeRow:
		// Rows were executed by AddRow.
	default:
		return 0, a.mode.Validate()
	}
	n := a.pending
	a.pending = 0
	return n, nil
}

// Pending returns the number of rows added since the last successful flush.
func (a *Accumulator) Pending() int { return a.pending }

// HasPending reports whether any row is waiting for a flush.
func (a *Accumulator) HasPending() bool { return a.pending > 0 }

// Executions returns the number of backend round trips made so far.
func (a *Accumulator) Executions() int { return a.executions }
