package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"batchbench/internal/storage"
)

// Conn implements storage.Conn for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no batch protocol. A flush executes the same prepared
//     statement once per queued row inside a single transaction, which is what
//     makes batching pay off on SQLite (one fsync per batch, not per row).
//   - All work runs on one *sql.Conn. ":memory:" databases are per-connection,
//     so DDL, statements and transactions must share it.
//   - Foreign keys are only enforced with PRAGMA foreign_keys=ON, which we set
//     on open so parent-before-child ordering is actually checked.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
}

func init() {
	storage.Register("sqlite", Open)
}

// Open opens the database and pins a single connection for the run.
func Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	return &Conn{db: db, conn: conn}, nil
}

func (c *Conn) Close() {
	_ = c.conn.Close()
	_ = c.db.Close()
}

// Prepare prepares query on the pinned connection. SQLite understands "?"
// natively so the template is used as-is.
func (c *Conn) Prepare(ctx context.Context, query string) (storage.Statement, error) {
	stmt, err := c.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: prepare: %w", err)
	}
	return &Statement{conn: c.conn, stmt: stmt}, nil
}

// EnsureTables creates tables in order. Parents must come before the tables
// that reference them.
func (c *Conn) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (c *Conn) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range storage.Reversed(tables) {
		if _, err := c.conn.ExecContext(ctx, "DELETE FROM "+sqlIdent(t.Name)); err != nil {
			return fmt.Errorf("reset table %s: %w", t.Name, err)
		}
	}
	return nil
}

// count returns the number of rows in table. Used by tests.
func (c *Conn) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := c.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n)
	return n, err
}

// Statement is a prepared INSERT bound to the pinned connection.
type Statement struct {
	conn *sql.Conn
	stmt *sql.Stmt
}

func (s *Statement) Exec(ctx context.Context, args []any) error {
	_, err := s.stmt.ExecContext(ctx, args...)
	return err
}

// ExecBatch executes every row with the already-prepared statement inside one
// transaction.
//
// The transaction is driven with plain BEGIN/COMMIT on the pinned connection
// rather than sql.Tx: Tx.StmtContext re-prepares statements that were
// prepared on a *sql.Conn, which would defeat statement reuse.
func (s *Statement) ExecBatch(ctx context.Context, rows [][]any) (err error) {
	if len(rows) == 0 {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if _, rbErr := s.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	for _, row := range rows {
		if _, err = s.stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	_, err = s.conn.ExecContext(ctx, "COMMIT")
	return err
}

func (s *Statement) Close() error { return s.stmt.Close() }

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildCreateTableSQL generates CREATE TABLE IF NOT EXISTS DDL.
//
// Logical types are passed through; SQLite's type affinity accepts them. The
// one exception is an integer primary key, which is emitted as INTEGER so it
// becomes the rowid alias. Keys are always supplied by the client, so no
// AUTOINCREMENT.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))
		var pk string
		switch pkType {
		case "bigint", "int", "integer":
			pk = fmt.Sprintf(`%s INTEGER PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name))
		default:
			pk = fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type)
		}
		if t.PrimaryKey.References != "" {
			pk += " REFERENCES " + t.PrimaryKey.References
		}
		parts = append(parts, pk)
	}

	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		nullable := false
		if c.Nullable != nil {
			nullable = *c.Nullable
		}
		if !nullable {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}
