package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a backend connection.
//
// When to use:
//   - Use Config when opening a Conn via Open.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Conn is one exclusive backend connection used by a single benchmark run.
//
// IMPORTANT: This interface is intentionally minimal and focused on what the
// batch engine and runner need. Each backend implements batching in its own
// idiomatic way (pgx.Batch, multi-row VALUES, a prepared statement inside a
// transaction, a KV write batch).
type Conn interface {
	// Prepare returns a reusable statement for a "?"-placeholder INSERT template.
	// Backends rebind placeholders to their native style.
	Prepare(ctx context.Context, query string) (Statement, error)

	// EnsureTables creates tables as needed (create-if-not-exists semantics).
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// ResetTables removes all rows from the given tables. Tables are cleared in
	// reverse order so children go before the parents they reference.
	ResetTables(ctx context.Context, tables []TableSpec) error

	// Close releases the connection and any backend resources.
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()
}

// Statement is a prepared INSERT owned by exactly one run and one record kind.
type Statement interface {
	// Exec executes a single row immediately.
	Exec(ctx context.Context, args []any) error

	// ExecBatch executes all rows as one batch operation. rows is never empty
	// when called by the engine.
	ExecBatch(ctx context.Context, rows [][]any) error

	// Close releases the prepared statement.
	Close() error
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Conn, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f func(ctx context.Context, cfg Config) (Conn, error)) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Conn using the registered backend factory.
//
// Edge cases:
//   - If cfg.Kind is empty, Open returns an error.
//   - If cfg.Kind is not registered, Open returns an error that lists the
//     registered kinds (usually a missing blank import of storage/all).
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
func Open(ctx context.Context, cfg Config) (Conn, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
