// Package sqldb runs the benchmark through plain database/sql drivers.
//
// One implementation serves several providers; a Dialect captures what
// differs between them (driver name, placeholders, quoting, native types and
// how a flush is sent).
//
// Registered kinds:
//   - "pq":    Postgres via github.com/lib/pq
//   - "mysql": MySQL via github.com/ziutek/mymysql/godrv
//     (DSN form "tcp:host:3306*dbname/user/password")
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/ziutek/mymysql/godrv"

	"batchbench/internal/storage"
)

// Dialect describes one database/sql provider.
type Dialect struct {
	Kind   string
	Driver string

	// Placeholder is the rebind prefix ("$" gives $1, $2, ...). Empty keeps "?".
	Placeholder string

	// MultiRow sends a flush as multi-row INSERT ... VALUES commands instead
	// of executing the prepared statement once per row.
	MultiRow  bool
	MaxParams int

	Quote func(string) string
	Types map[string]string
}

var (
	Postgres = Dialect{
		Kind:        "pq",
		Driver:      "postgres",
		Placeholder: "$",
		Quote:       doubleQuote,
		Types: map[string]string{
			"bigint":    "BIGINT",
			"int":       "INTEGER",
			"timestamp": "TIMESTAMP",
			"text":      "TEXT",
		},
	}

	MySQL = Dialect{
		Kind:      "mysql",
		Driver:    "mymysql",
		MultiRow:  true,
		MaxParams: 60000,
		Quote:     backtick,
		Types: map[string]string{
			"bigint":    "BIGINT",
			"int":       "INT",
			"timestamp": "DATETIME(6)",
			"text":      "LONGTEXT",
		},
	}
)

func init() {
	for _, d := range []Dialect{Postgres, MySQL} {
		storage.Register(d.Kind, d.Open)
	}
}

// Conn implements storage.Conn over one pinned *sql.Conn.
type Conn struct {
	d    Dialect
	db   *sql.DB
	conn *sql.Conn
}

// Open opens cfg.DSN with the dialect's driver, pings it and pins one
// connection for the run.
func (d Dialect) Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	db, err := sql.Open(d.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", d.Kind, err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: conn: %w", d.Kind, err)
	}
	return &Conn{d: d, db: db, conn: conn}, nil
}

func (c *Conn) Close() {
	_ = c.conn.Close()
	_ = c.db.Close()
}

func (c *Conn) Prepare(ctx context.Context, query string) (storage.Statement, error) {
	tpl, err := storage.ParseInsert(query)
	if err != nil {
		return nil, err
	}
	stmt, err := c.conn.PrepareContext(ctx, c.d.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("%s: prepare %s: %w", c.d.Kind, tpl.Table, err)
	}
	return &Statement{d: c.d, conn: c.conn, stmt: stmt, tpl: tpl}, nil
}

// EnsureTables creates tables in order.
//
// This method is idempotent.
func (c *Conn) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := c.d.CreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%s: create table %s: %w", c.d.Kind, t.Name, err)
		}
	}
	return nil
}

// ResetTables deletes all rows, children first.
func (c *Conn) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range storage.Reversed(tables) {
		if _, err := c.conn.ExecContext(ctx, "DELETE FROM "+c.d.Quote(t.Name)); err != nil {
			return fmt.Errorf("%s: reset table %s: %w", c.d.Kind, t.Name, err)
		}
	}
	return nil
}

// Statement is a prepared INSERT on the pinned connection.
type Statement struct {
	d    Dialect
	conn *sql.Conn
	stmt *sql.Stmt
	tpl  storage.InsertTemplate
}

func (s *Statement) Exec(ctx context.Context, args []any) error {
	_, err := s.stmt.ExecContext(ctx, args...)
	return err
}

// ExecBatch sends rows inside one transaction.
//
// The transaction is opened with plain BEGIN/COMMIT on the pinned connection
// so the prepared statement is used as-is rather than re-prepared through
// sql.Tx.
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

	if s.d.MultiRow {
		for _, chunk := range s.d.chunk(rows, len(s.tpl.Columns)) {
			q, args := s.d.BulkInsertSQL(s.tpl, chunk)
			if _, err = s.conn.ExecContext(ctx, q, args...); err != nil {
				return err
			}
		}
	} else {
		for _, row := range rows {
			if _, err = s.stmt.ExecContext(ctx, row...); err != nil {
				return err
			}
		}
	}
	_, err = s.conn.ExecContext(ctx, "COMMIT")
	return err
}

func (s *Statement) Close() error { return s.stmt.Close() }

/* ---------- dialect SQL ---------- */

func (d Dialect) rebind(query string) string {
	if d.Placeholder == "" {
		return query
	}
	return storage.Rebind(query, d.Placeholder)
}

func (d Dialect) placeholder(n int) string {
	if d.Placeholder == "" {
		return "?"
	}
	return fmt.Sprintf("%s%d", d.Placeholder, n)
}

func (d Dialect) nativeType(logical string) string {
	if t, ok := d.Types[strings.ToLower(strings.TrimSpace(logical))]; ok {
		return t
	}
	return strings.TrimSpace(logical)
}

// CreateTableSQL returns CREATE TABLE IF NOT EXISTS for t.
//
// Foreign keys are emitted as table-level FOREIGN KEY clauses; MySQL ignores
// inline column REFERENCES.
func (d Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("%s: table name is empty", d.Kind)
	}

	var parts, fks []string
	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		if pk == "" || strings.TrimSpace(t.PrimaryKey.Type) == "" {
			return "", fmt.Errorf("%s: table %s: primary_key.name and primary_key.type are required", d.Kind, t.Name)
		}
		parts = append(parts, fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", d.Quote(pk), d.nativeType(t.PrimaryKey.Type)))
		if ref := strings.TrimSpace(t.PrimaryKey.References); ref != "" {
			fks = append(fks, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", d.Quote(pk), ref))
		}
	}

	for _, c := range t.Columns {
		name, typ := strings.TrimSpace(c.Name), strings.TrimSpace(c.Type)
		if name == "" || typ == "" {
			return "", fmt.Errorf("%s: table %s: column name/type must be set", d.Kind, t.Name)
		}
		def := d.Quote(name) + " " + d.nativeType(typ)
		if c.Nullable == nil || !*c.Nullable {
			def += " NOT NULL"
		}
		parts = append(parts, def)
		if ref := strings.TrimSpace(c.References); ref != "" {
			fks = append(fks, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", d.Quote(name), ref))
		}
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		cols := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			cols[i] = d.Quote(strings.TrimSpace(c))
		}
		parts = append(parts, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%s: table %s: no columns", d.Kind, t.Name)
	}
	parts = append(parts, fks...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.Quote(t.Name), strings.Join(parts, ", ")), nil
}

// BulkInsertSQL builds one multi-row INSERT for rows.
func (d Dialect) BulkInsertSQL(tpl storage.InsertTemplate, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Quote(tpl.Table))
	b.WriteString(" (")
	for i, c := range tpl.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(tpl.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range tpl.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func (d Dialect) chunk(rows [][]any, width int) [][][]any {
	if d.MaxParams <= 0 || width <= 0 {
		return [][][]any{rows}
	}
	per := max(1, d.MaxParams/width)
	var out [][][]any
	for start := 0; start < len(rows); start += per {
		out = append(out, rows[start:min(start+per, len(rows))])
	}
	return out
}

func doubleQuote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func backtick(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}
