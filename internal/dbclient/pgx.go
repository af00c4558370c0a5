package dbclient

import (
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"querydesk/internal/domain"
)

var pgxDialect = dialect{
	driver:         domain.DatabaseDriverPgx,
	sqlDriver:      "pgx",
	sessionIDQuery: "SELECT pg_backend_pid()",
	killStatement:  pgKillStatement,
	readOnly:       pgReadOnly,
	readWrite:      pgReadWrite,
	queries:        pgIntrospectQueries,
}

func buildPgxDSN(p *domain.ConnectionProfile, password string, timeout time.Duration) string {
	return buildPostgresDSN(p, password, timeout)
}
