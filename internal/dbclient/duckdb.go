package dbclient

import (
	_ "github.com/marcboeker/go-duckdb"

	"querydesk/internal/domain"
)

// DuckDB runs in-process and honours context cancellation. Its catalog
// exposes information_schema; foreign keys are left out. Access mode is
// fixed when the database file opens, so sessions have no read-only switch.
var duckdbDialect = dialect{
	driver:    domain.DatabaseDriverDuckDB,
	sqlDriver: "duckdb",
	queries: introspectQueries{
		tables: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = COALESCE(NULLIF(?, ''), current_schema())
			ORDER BY table_name`,
		columns: `SELECT table_name, column_name, data_type, is_nullable, false
			FROM information_schema.columns
			WHERE table_schema = COALESCE(NULLIF(?, ''), current_schema())
			ORDER BY table_name, ordinal_position`,
	},
}

func newDuckDBConnector(p *domain.ConnectionProfile, opts Options) (*sqlConnector, error) {
	if err := requireHost(p); err != nil {
		return nil, err
	}
	return newSQLConnector(duckdbDialect, p.Host, opts)
}
