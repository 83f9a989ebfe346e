package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"batchbench/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter limit per request.
const maxParams = 2000

func init() {
	storage.Register("mssql", Open)
}

// Conn implements storage.Conn for Microsoft SQL Server.
//
// Single-row executions use a prepared statement (sp_prepare/sp_execute under
// the hood). A flush is sent as multi-row INSERT ... VALUES commands inside one
// transaction, chunked so each command stays under the parameter limit.
//
// All work runs on one pinned *sql.Conn for the run.
type Conn struct {
	db   *sql.DB
	conn dbConn
}

// Open opens the database with the "sqlserver" driver and pins one
// connection.
//
// This method validates connectivity via PingContext.
func Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	c, err := raw.Conn(ctx)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: conn: %w", err)
	}
	return &Conn{db: raw, conn: &sqlConn{c: c}}, nil
}

// Close releases database resources held by this connection.
func (c *Conn) Close() {
	if c == nil || c.conn == nil {
		return
	}
	_ = c.conn.Close()
	if c.db != nil {
		_ = c.db.Close()
	}
}

// Prepare rebinds "?" placeholders to @pN and prepares the statement.
func (c *Conn) Prepare(ctx context.Context, query string) (storage.Statement, error) {
	tpl, err := storage.ParseInsert(query)
	if err != nil {
		return nil, err
	}
	stmt, err := c.conn.PrepareContext(ctx, storage.Rebind(query, "@p"))
	if err != nil {
		return nil, fmt.Errorf("mssql: prepare %s: %w", tpl.Table, err)
	}
	return &Statement{conn: c.conn, stmt: stmt, tpl: tpl}, nil
}

// EnsureTables creates tables in order.
//
// This method is idempotent.
func (c *Conn) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// ResetTables deletes all rows, children first. TRUNCATE is not allowed on
// tables referenced by a foreign key.
func (c *Conn) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range storage.Reversed(tables) {
		if _, err := c.conn.ExecContext(ctx, "DELETE FROM "+mssqlTableIdent(t.Name)); err != nil {
			return fmt.Errorf("mssql: reset table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Statement is a prepared single-row INSERT plus its parsed template for
// multi-row flushes.
type Statement struct {
	conn dbConn
	stmt stmtConn
	tpl  storage.InsertTemplate
}

func (s *Statement) Exec(ctx context.Context, args []any) error {
	_, err := s.stmt.ExecContext(ctx, args...)
	return err
}

// ExecBatch inserts rows with multi-row VALUES commands in one transaction.
func (s *Statement) ExecBatch(ctx context.Context, rows [][]any) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	for _, chunk := range chunkRows(rows, len(s.tpl.Columns)) {
		q, args := buildBulkInsertSQL(s.tpl.Table, s.tpl.Columns, chunk)
		if _, err = tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Statement) Close() error { return s.stmt.Close() }

// chunkRows splits rows so that no chunk binds more than maxParams values.
func chunkRows(rows [][]any, width int) [][][]any {
	per := 1
	if width > 0 {
		per = max(1, maxParams/width)
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}

/* ---------- SQL builders ---------- */

// buildCreateSQL returns a guarded CREATE TABLE for t.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", t.Name)
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlType maps a logical column type to SQL Server DDL. Unknown types pass
// through unchanged.
func mssqlType(logical string) string {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case "bigint", "long":
		return "BIGINT"
	case "int", "integer":
		return "INT"
	case "timestamp":
		return "DATETIME2"
	case "text":
		return "NVARCHAR(MAX)"
	default:
		return strings.TrimSpace(logical)
	}
}

// mssqlPrimaryKeyDef returns the key column definition. Keys are supplied by
// the client, so no IDENTITY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	if strings.TrimSpace(pk.Type) == "" {
		return "", fmt.Errorf("mssql: primary key %s type is empty", pk.Name)
	}
	def := fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), mssqlType(pk.Type))
	if ref := strings.TrimSpace(pk.References); ref != "" {
		def += " REFERENCES " + ref
	}
	return def, nil
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(mssqlType(c.Type))

	nullable := false
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}

	return b.String(), nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.post" -> [dbo].[post]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.Conn used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (stmtConn, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// stmtConn is a narrow view of *sql.Stmt.
type stmtConn interface {
	ExecContext(ctx context.Context, args ...any) (sql.Result, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlConn wraps *sql.Conn to implement dbConn.
type sqlConn struct {
	c *sql.Conn
}

func (s *sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.c.ExecContext(ctx, query, args...)
}

func (s *sqlConn) PrepareContext(ctx context.Context, query string) (stmtConn, error) {
	return s.c.PrepareContext(ctx, query)
}

func (s *sqlConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	return s.c.BeginTx(ctx, opts)
}

func (s *sqlConn) Close() error { return s.c.Close() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn   = (*sqlConn)(nil)
	_ stmtConn = (*sql.Stmt)(nil)
	_ txConn   = (*sql.Tx)(nil)
)
