package dbclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"querydesk/internal/domain"
)

func pgKillStatement(id string) (string, []any, error) {
	pid, err := strconv.Atoi(id)
	if err != nil {
		return "", nil, fmt.Errorf("invalid backend pid %q", id)
	}
	return "SELECT pg_cancel_backend($1)", []any{pid}, nil
}

var pgIntrospectQueries = introspectQueries{
	tables: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema())
		ORDER BY table_name`,
	columns: `SELECT c.table_name, c.column_name, c.data_type, c.is_nullable,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
				  ON tc.constraint_name = k.constraint_name
				 AND tc.table_schema = k.table_schema
				 AND tc.table_name = k.table_name
				WHERE tc.constraint_type = 'PRIMARY KEY'
				  AND tc.table_schema = c.table_schema
				  AND tc.table_name = c.table_name
				  AND k.column_name = c.column_name
			) AS is_pk
		FROM information_schema.columns c
		WHERE c.table_schema = COALESCE(NULLIF($1, ''), current_schema())
		ORDER BY c.table_name, c.ordinal_position`,
	fks: `SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name, tc.constraint_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name
		 AND ccu.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = COALESCE(NULLIF($1, ''), current_schema())
		ORDER BY kcu.table_name, kcu.ordinal_position`,
}

const (
	pgReadOnly  = "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY"
	pgReadWrite = "SET SESSION CHARACTERISTICS AS TRANSACTION READ WRITE"
)

var postgresDialect = dialect{
	driver:         domain.DatabaseDriverPostgres,
	sqlDriver:      "postgres",
	sessionIDQuery: "SELECT pg_backend_pid()",
	killStatement:  pgKillStatement,
	readOnly:       pgReadOnly,
	readWrite:      pgReadWrite,
	queries:        pgIntrospectQueries,
}

// buildPostgresDSN constructs a keyword/value connection string. The same
// form is understood by lib/pq and pgx.
func buildPostgresDSN(p *domain.ConnectionProfile, password string, timeout time.Duration) string {
	sslMode := p.TLS.Mode
	switch sslMode {
	case "":
		sslMode = domain.TLSDisable
	case domain.TLSSkipVerify:
		sslMode = domain.TLSRequire
	}

	parts := []string{
		pgKV("host", p.Host),
		pgKV("port", strconv.Itoa(defaultPort(p.Driver, p.Port))),
		pgKV("user", p.Username),
		pgKV("password", password),
		pgKV("dbname", p.Database),
		pgKV("sslmode", sslMode),
	}
	if secs := int(timeout / time.Second); secs > 0 {
		parts = append(parts, pgKV("connect_timeout", strconv.Itoa(secs)))
	}
	if p.TLS.CAFile != "" {
		parts = append(parts, pgKV("sslrootcert", p.TLS.CAFile))
	}
	if p.TLS.CertFile != "" {
		parts = append(parts, pgKV("sslcert", p.TLS.CertFile), pgKV("sslkey", p.TLS.KeyFile))
	}
	if p.DefaultSchema != "" {
		parts = append(parts, pgKV("search_path", p.DefaultSchema))
	}
	return strings.Join(parts, " ")
}

// pgKV quotes a keyword/value pair per the libpq connection string rules.
func pgKV(key, value string) string {
	if value == "" {
		return key + "=''"
	}
	if !strings.ContainsAny(value, ` '\`) {
		return key + "=" + value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return key + "='" + escaped + "'"
}
