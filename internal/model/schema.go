package model

import "batchbench/internal/storage"

func boolPtr(v bool) *bool { return &v }

// Tables returns the benchmark schema in creation order (parents first).
func Tables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name:       string(KindParent),
			PrimaryKey: &storage.PrimaryKeySpec{Name: "id", Type: "bigint"},
			Columns: []storage.ColumnSpec{
				{Name: "title", Type: "varchar(255)", Nullable: boolPtr(true)},
				{Name: "version", Type: "int", Nullable: boolPtr(false)},
			},
		},
		{
			Name:       string(KindDetail),
			PrimaryKey: &storage.PrimaryKeySpec{Name: "id", Type: "bigint", References: "post(id)"},
			Columns: []storage.ColumnSpec{
				{Name: "created_on", Type: "timestamp", Nullable: boolPtr(true)},
			},
		},
		{
			Name:       string(KindChild),
			PrimaryKey: &storage.PrimaryKeySpec{Name: "id", Type: "bigint"},
			Columns: []storage.ColumnSpec{
				{Name: "post_id", Type: "bigint", References: "post(id)", Nullable: boolPtr(true)},
				{Name: "review", Type: "varchar(255)", Nullable: boolPtr(true)},
				{Name: "version", Type: "int", Nullable: boolPtr(false)},
			},
			// One review text per position under a parent.
			Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"post_id", "review"}}},
		},
	}
}
