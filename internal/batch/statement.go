package batch

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"batchbench/internal/model"
	"batchbench/internal/storage"
)

// SlotType is the declared type of a positional parameter.
type SlotType int

const (
	SlotText SlotType = iota + 1
	SlotInt           // int32
	SlotLong          // int64
	SlotTime
)

func (s SlotType) String() string {
	switch s {
	case SlotText:
		return "text"
	case SlotInt:
		return "int"
	case SlotLong:
		return "long"
	case SlotTime:
		return "time"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Slot layouts for the insert templates in package model.
var (
	ParentSlots = []SlotType{SlotText, SlotInt, SlotLong}           // title, version, id
	ChildSlots  = []SlotType{SlotLong, SlotText, SlotInt, SlotLong} // post_id, review, version, id
	DetailSlots = []SlotType{SlotTime, SlotLong}                    // created_on, id
)

// Statement is the engine-side handle for one prepared insert: its slot
// layout, the parameters bound for the current row, and the accumulator of
// rows queued since the last flush.
//
// A Statement belongs to one run and one record kind. It is not safe for
// concurrent use.
type Statement struct {
	kind    model.Kind
	slots   []SlotType
	params  []any
	bound   []bool
	pos     int
	backend storage.Statement
	acc     Accumulator
}

// NewStatement wraps a backend statement. slots must match the template the
// backend statement was prepared from.
func NewStatement(kind model.Kind, slots []SlotType, backend storage.Statement, mode Mode) *Statement {
	return &Statement{
		kind:    kind,
		slots:   append([]SlotType(nil), slots...),
		params:  make([]any, len(slots)),
		bound:   make([]bool, len(slots)),
		backend: backend,
		acc:     Accumulator{mode: mode},
	}
}

func (s *Statement) Kind() model.Kind { return s.kind }
func (s *Statement) Name() string     { return string(s.kind) }

// Params returns a copy of the currently bound parameters.
func (s *Statement) Params() []any { return append([]any(nil), s.params...) }

// AddRow queues the bound row. See Accumulator.AddRow.
func (s *Statement) AddRow(ctx context.Context) error {
	row, err := s.snapshot()
	if err != nil {
		return err
	}
	if err := s.acc.AddRow(ctx, s.backend, row); err != nil {
		return &BackendError{Statement: s.Name(), Op: "exec", Err: err}
	}
	return nil
}

// Flush executes queued rows and returns how many were flushed.
func (s *Statement) Flush(ctx context.Context) (int, error) {
	n, err := s.acc.Flush(ctx, s.backend)
	if err != nil {
		return 0, &BackendError{Statement: s.Name(), Op: "flush", Err: err}
	}
	return n, nil
}

func (s *Statement) Pending() int     { return s.acc.Pending() }
func (s *Statement) HasPending() bool { return s.acc.HasPending() }
func (s *Statement) Executions() int  { return s.acc.Executions() }

// Close releases the backend statement. Queued rows are discarded.
func (s *Statement) Close() error {
	if err := s.backend.Close(); err != nil {
		return &BackendError{Statement: s.Name(), Op: "close", Err: err}
	}
	return nil
}

// Fingerprint hashes the bound parameter state. Two statements with the same
// slot layout and the same bound values have the same fingerprint.
func (s *Statement) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [8]byte
	for i, slot := range s.slots {
		buf[0] = byte(slot)
		if s.bound[i] {
			buf[1] = 1
		} else {
			buf[1] = 0
		}
		_, _ = d.Write(buf[:2])
		if !s.bound[i] {
			continue
		}
		switch v := s.params[i].(type) {
		case string:
			binary.BigEndian.PutUint64(buf[:], uint64(len(v)))
			_, _ = d.Write(buf[:])
			_, _ = d.WriteString(v)
		case int32:
			binary.BigEndian.PutUint32(buf[:4], uint32(v))
			_, _ = d.Write(buf[:4])
		case int64:
			binary.BigEndian.PutUint64(buf[:], uint64(v))
			_, _ = d.Write(buf[:])
		case time.Time:
			b, _ := v.MarshalBinary()
			_, _ = d.Write(b)
		}
	}
	return d.Sum64()
}

// reset starts a new row: position 0, nothing bound.
func (s *Statement) reset() {
	s.pos = 0
	for i := range s.params {
		s.params[i] = nil
		s.bound[i] = false
	}
}

// set binds v to the next slot.
func (s *Statement) set(v any) error {
	if s.pos >= len(s.slots) {
		return &BindError{Statement: s.Name(), Reason: fmt.Sprintf("more than %d values", len(s.slots))}
	}
	cv, err := coerce(s.slots[s.pos], v)
	if err != nil {
		return &BindError{Statement: s.Name(), Slot: s.pos + 1, Reason: err.Error()}
	}
	s.params[s.pos] = cv
	s.bound[s.pos] = true
	s.pos++
	return nil
}

// snapshot returns a copy of the bound row, or a BindError naming the first
// unbound slot.
func (s *Statement) snapshot() ([]any, error) {
	for i, ok := range s.bound {
		if !ok {
			return nil, &BindError{Statement: s.Name(), Slot: i + 1, Reason: "not bound"}
		}
	}
	return append([]any(nil), s.params...), nil
}

// coerce converts v to the canonical Go type for slot.
func coerce(slot SlotType, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("nil value for %s slot", slot)
	}

	switch slot {
	case SlotText:
		switch t := v.(type) {
		case string:
			return t, nil
		case []byte:
			return string(t), nil
		}
	case SlotInt:
		n, ok := toInt64(v)
		if !ok {
			break
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int slot", n)
		}
		return int32(n), nil
	case SlotLong:
		n, ok := toInt64(v)
		if !ok {
			break
		}
		return n, nil
	case SlotTime:
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
	default:
		return nil, fmt.Errorf("unknown slot type %s", slot)
	}
	return nil, fmt.Errorf("cannot bind %T to %s slot", v, slot)
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint:
		if uint64(t) > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	}
	return 0, false
}
