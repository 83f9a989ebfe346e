package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// InsertTemplate is the parsed form of a single-row "?"-placeholder INSERT.
type InsertTemplate struct {
	Table   string
	Columns []string
}

var insertRE = regexp.MustCompile(`(?is)^\s*insert\s+into\s+([A-Za-z_][A-Za-z0-9_.]*)\s*\(([^)]*)\)\s*values\s*\(([^)]*)\)\s*;?\s*$`)

// ParseInsert extracts the table and column list from an INSERT template of
// the form "INSERT INTO t (a, b) VALUES (?, ?)".
//
// Backends that cannot reuse a server-side prepared statement for batches
// (multi-row VALUES, KV stores) use this to rebuild their own commands.
//
// Errors:
//   - Returns an error if the query does not match the supported shape or if
//     the number of placeholders differs from the number of columns.
func ParseInsert(query string) (InsertTemplate, error) {
	m := insertRE.FindStringSubmatch(query)
	if m == nil {
		return InsertTemplate{}, fmt.Errorf("storage: unsupported insert template: %q", query)
	}

	var cols []string
	for _, c := range strings.Split(m[2], ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			return InsertTemplate{}, fmt.Errorf("storage: empty column in insert template: %q", query)
		}
		cols = append(cols, c)
	}

	placeholders := 0
	for _, p := range strings.Split(m[3], ",") {
		if strings.TrimSpace(p) != "?" {
			return InsertTemplate{}, fmt.Errorf("storage: only ? placeholders are supported: %q", query)
		}
		placeholders++
	}
	if placeholders != len(cols) {
		return InsertTemplate{}, fmt.Errorf("storage: %d columns but %d placeholders: %q", len(cols), placeholders, query)
	}

	return InsertTemplate{Table: m[1], Columns: cols}, nil
}

// Rebind rewrites "?" placeholders using prefix followed by a 1-based
// ordinal, e.g. Rebind(q, "$") for Postgres and Rebind(q, "@p") for SQL Server.
//
// Question marks inside single-quoted literals are left alone.
func Rebind(query, prefix string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteString(prefix)
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
