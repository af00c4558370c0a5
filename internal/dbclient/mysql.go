package dbclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"querydesk/internal/domain"
)

var mysqlDialect = dialect{
	driver:         domain.DatabaseDriverMySQL,
	sqlDriver:      "mysql",
	sessionIDQuery: "SELECT CONNECTION_ID()",
	readOnly:       "SET SESSION TRANSACTION READ ONLY",
	readWrite:      "SET SESSION TRANSACTION READ WRITE",
	killStatement: func(id string) (string, []any, error) {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid mysql connection id %q", id)
		}
		// KILL does not accept placeholders.
		return fmt.Sprintf("KILL QUERY %d", n), nil, nil
	},
	queries: introspectQueries{
		tables: `SELECT TABLE_NAME FROM information_schema.TABLES
			WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
			ORDER BY TABLE_NAME`,
		columns: `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_KEY = 'PRI'
			FROM information_schema.COLUMNS
			WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
			ORDER BY TABLE_NAME, ORDINAL_POSITION`,
		fks: `SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME, CONSTRAINT_NAME
			FROM information_schema.KEY_COLUMN_USAGE
			WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
			  AND REFERENCED_TABLE_NAME IS NOT NULL
			ORDER BY TABLE_NAME, ORDINAL_POSITION`,
	},
}

// buildMySQLDSN constructs a MySQL DSN from a profile.
func buildMySQLDSN(p *domain.ConnectionProfile, password string, timeout time.Duration) (string, error) {
	if err := requireHost(p); err != nil {
		return "", err
	}
	cfg := mysql.NewConfig()
	cfg.User = p.Username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(defaultPort(p.Driver, p.Port)))
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Timeout = timeout
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	tlsName, err := mysqlTLS(p)
	if err != nil {
		return "", err
	}
	cfg.TLSConfig = tlsName
	return cfg.FormatDSN(), nil
}

// mysqlTLS maps TLS options to a go-sql-driver tls parameter, registering a
// custom config when certificate files are given.
func mysqlTLS(p *domain.ConnectionProfile) (string, error) {
	opts := p.TLS
	switch opts.Mode {
	case "", domain.TLSDisable:
		return "", nil
	case domain.TLSSkipVerify:
		return "skip-verify", nil
	}
	if opts.CAFile == "" && opts.CertFile == "" {
		return "true", nil
	}

	cfg := &tls.Config{ServerName: p.Host, MinVersion: tls.VersionTLS12}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return "", fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return "", fmt.Errorf("no certificates in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	if opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return "", fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	name := "querydesk-" + p.ID
	if err := mysql.RegisterTLSConfig(name, cfg); err != nil {
		return "", fmt.Errorf("register tls config: %w", err)
	}
	return name, nil
}
