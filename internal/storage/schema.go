// TableSpec types live here so both the model and backend packages can import
// them without circular deps.
package storage

import "strings"

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // logical type, e.g. "bigint"

	// References makes the key a shared primary key, e.g. "post(id)".
	References string `json:"references,omitempty"`
}

// ColumnSpec describes one column. Type is a logical type name ("bigint",
// "int", "varchar(255)", "timestamp"); each backend maps it to native DDL.
type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// ColumnNames returns the primary key (when present) followed by the
// configured columns.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// KeyColumn returns the primary key column name, or "id" when none is set.
func (t TableSpec) KeyColumn() string {
	if t.PrimaryKey != nil && strings.TrimSpace(t.PrimaryKey.Name) != "" {
		return t.PrimaryKey.Name
	}
	return "id"
}

// Reversed returns a copy of tables in reverse order.
func Reversed(tables []TableSpec) []TableSpec {
	out := make([]TableSpec, len(tables))
	for i, t := range tables {
		out[len(tables)-1-i] = t
	}
	return out
}
