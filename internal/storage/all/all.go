// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "batchbench/internal/storage/badgerkv"
	_ "batchbench/internal/storage/mssql"
	_ "batchbench/internal/storage/postgres"
	_ "batchbench/internal/storage/sqldb"
	_ "batchbench/internal/storage/sqlite"
)
