package batch

import "fmt"

// BindError reports a value that cannot be bound to a statement slot, or a
// row whose slot count does not match the statement.
//
// Bind errors are raised before any backend call for the affected row.
type BindError struct {
	Statement string
	Slot      int // 1-based; 0 when the error is about the whole row
	Reason    string
}

func (e *BindError) Error() string {
	if e.Slot > 0 {
		return fmt.Sprintf("bind %s slot %d: %s", e.Statement, e.Slot, e.Reason)
	}
	return fmt.Sprintf("bind %s: %s", e.Statement, e.Reason)
}

// ConfigError reports an invalid workload or engine configuration. It is
// always returned before the first row is bound.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// BackendError wraps a failure returned by the storage backend while
// preparing, executing, flushing or closing a statement.
type BackendError struct {
	Statement string
	Op        string // "prepare" | "exec" | "flush" | "close"
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.Statement, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
