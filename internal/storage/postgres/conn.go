package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"batchbench/internal/storage"
)

func init() {
	storage.Register("postgres", Open)
}

/*
Conn implements storage.Conn for Postgres.

It provides:
  - Server-side prepared statements, named and reused for the whole run
  - Batched execution through the pgx batch protocol (one round trip per flush)
  - DDL for the benchmark tables

A run holds one connection acquired from the pool for its whole lifetime, so
prepared statement names stay valid.
*/
type Conn struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn

	seq atomic.Uint64
}

// Open creates a pool for cfg.DSN and acquires the run's connection.
func Open(ctx context.Context, cfg storage.Config) (storage.Conn, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: acquire: %w", err)
	}
	return &Conn{pool: pool, conn: conn}, nil
}

// Close releases the connection and closes the pool.
func (c *Conn) Close() {
	c.conn.Release()
	c.pool.Close()
}

// Prepare rebinds "?" placeholders to $n and prepares the statement under a
// unique name.
func (c *Conn) Prepare(ctx context.Context, query string) (storage.Statement, error) {
	tpl, err := storage.ParseInsert(query)
	if err != nil {
		return nil, err
	}
	name := statementName(tpl.Table, c.seq.Add(1))
	if _, err := c.conn.Conn().Prepare(ctx, name, storage.Rebind(query, "$")); err != nil {
		return nil, fmt.Errorf("postgres: prepare %s: %w", name, err)
	}
	return &Statement{conn: c.conn.Conn(), name: name}, nil
}

// EnsureTables creates tables (and their schemas) in order.
//
// This method is idempotent.
func (c *Conn) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := c.conn.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := c.conn.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// ResetTables empties all tables with one TRUNCATE so foreign keys between
// them do not matter.
func (c *Conn) ResetTables(ctx context.Context, tables []storage.TableSpec) error {
	sql := buildTruncateSQL(tables)
	if sql == "" {
		return nil
	}
	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("reset tables: %w", err)
	}
	return nil
}

// Statement is a named server-side prepared statement.
type Statement struct {
	conn *pgx.Conn
	name string
}

func (s *Statement) Exec(ctx context.Context, args []any) error {
	_, err := s.conn.Exec(ctx, s.name, args...)
	return err
}

// ExecBatch queues one execution of the prepared statement per row and sends
// them in a single round trip.
func (s *Statement) ExecBatch(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(s.name, row...)
	}

	br := s.conn.SendBatch(ctx, b)
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: batch row %d: %w", i, err)
		}
	}
	return br.Close()
}

// Close deallocates the statement on the server.
func (s *Statement) Close() error {
	return s.conn.Deallocate(context.Background(), s.name)
}

func statementName(table string, seq uint64) string {
	_, t := splitQualifiedName(table)
	return fmt.Sprintf("batchbench_%s_%d", strings.ToLower(t), seq)
}

/* ---------- DDL ---------- */

// pgType maps a logical column type to Postgres DDL. Unknown types pass
// through unchanged.
func pgType(logical string) string {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case "bigint", "long":
		return "BIGINT"
	case "int", "integer":
		return "INTEGER"
	case "timestamp":
		return "TIMESTAMP"
	case "text":
		return "TEXT"
	default:
		return strings.TrimSpace(logical)
	}
}

func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return nil, fmt.Errorf("buildColumnDefs: table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		def := fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pgType(pkType))
		if ref := strings.TrimSpace(t.PrimaryKey.References); ref != "" {
			def += " REFERENCES " + ref
		}
		cols = append(cols, def)
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("buildColumnDefs: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("buildColumnDefs: table %s: no columns", t.Name)
	}
	return cols, nil
}

func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(pgType(typ))

	nullable := false
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}

	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}

	return b.String(), nil
}

func buildConstraints(t storage.TableSpec) ([]string, error) {
	if len(t.Constraints) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case "unique":
			if len(c.Columns) == 0 {
				return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
			cols := make([]string, len(c.Columns))
			for i, col := range c.Columns {
				cols[i] = pgIdent(strings.TrimSpace(col))
			}
			out = append(out, "UNIQUE ("+strings.Join(cols, ", ")+")")
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// buildCreateSQL returns the optional CREATE SCHEMA and the CREATE TABLE
// statement for t.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols, err := buildColumnDefs(t)
	if err != nil {
		return "", "", err
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}

// buildTruncateSQL returns one TRUNCATE for all tables, or "" when there are
// none.
func buildTruncateSQL(tables []storage.TableSpec) string {
	if len(tables) == 0 {
		return ""
	}
	names := make([]string, 0, len(tables))
	for _, t := range storage.Reversed(tables) {
		names = append(names, t.Name)
	}
	return "TRUNCATE TABLE " + strings.Join(names, ", ") + ";"
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
