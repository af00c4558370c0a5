package dbclient

import (
	"strings"

	_ "modernc.org/sqlite"

	"querydesk/internal/domain"
)

// SQLite has no server session to kill; the driver interrupts a running
// statement when its context is cancelled.
var sqliteDialect = dialect{
	driver:    domain.DatabaseDriverSQLite,
	sqlDriver: "sqlite",
	readOnly:  "PRAGMA query_only = ON",
	readWrite: "PRAGMA query_only = OFF",
	queries:   introspectQueries{custom: introspectSQLite},
}

// newSQLiteConnector creates a connector for an external SQLite file.
// Opens in WAL mode with busy timeout for concurrent access.
func newSQLiteConnector(p *domain.ConnectionProfile, opts Options) (*sqlConnector, error) {
	if err := requireHost(p); err != nil {
		return nil, err
	}
	return newSQLConnector(sqliteDialect, sqliteDSN(p.Host), opts)
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
