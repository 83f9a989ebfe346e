package batch

import (
	"fmt"

	"batchbench/internal/model"
)

// Binder assigns row values to a statement's positional slots in declared
// order. It holds no state; the bound values live on the Statement.
type Binder struct{}

// Bind resets stmt to slot 0 and binds values in order.
//
// Edge cases:
//   - Fewer values than slots is allowed here; AddRow rejects the row.
//   - On error nothing stays bound, so a half-bound row can never be queued.
//
// Errors:
//   - *BindError if more values than slots are given or a value does not fit
//     its slot type.
func (Binder) Bind(stmt *Statement, values ...any) error {
	stmt.reset()
	if len(values) > len(stmt.slots) {
		return &BindError{
			Statement: stmt.Name(),
			Reason:    fmt.Sprintf("%d values for %d slots", len(values), len(stmt.slots)),
		}
	}
	for _, v := range values {
		if err := stmt.set(v); err != nil {
			stmt.reset()
			return err
		}
	}
	return nil
}

// BindParent binds p as {title, version, id}.
func (b Binder) BindParent(stmt *Statement, p model.Parent) error {
	return b.Bind(stmt, p.Values()...)
}

// BindChild binds c as {post_id, review, version, id}.
func (b Binder) BindChild(stmt *Statement, c model.Child) error {
	return b.Bind(stmt, c.Values()...)
}

// BindDetail binds d as {created_on, id}.
func (b Binder) BindDetail(stmt *Statement, d model.Detail) error {
	return b.Bind(stmt, d.Values()...)
}
