package dbclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"querydesk/internal/domain"
)

// SchemaInfo is the raw introspection output; the connection manager wraps
// it into a domain.SchemaSnapshot.
type SchemaInfo struct {
	Schema      string              `json:"schema,omitempty"`
	Tables      []domain.Table      `json:"tables"`
	ForeignKeys []domain.ForeignKey `json:"foreignKeys"`
}

// Result is what a dispatched statement produced: an open cursor for
// row-returning statements, an affected-row count otherwise.
type Result struct {
	Cursor       Cursor
	AffectedRows int64
}

// Cursor is a forward-only server cursor.
type Cursor interface {
	Columns() []domain.Column
	// Fetch reads up to n rows. Fewer than n rows means the cursor is
	// exhausted; it is closed at that point.
	Fetch(ctx context.Context, n int) ([][]any, error)
	Close() error
}

// Session is one dedicated server session leased from a connector. Only
// the holder may issue commands on it.
type Session interface {
	// ID is the server-side session identifier used for kill directives
	// (MySQL connection id, Postgres backend pid). Empty when the driver
	// has no separate server session.
	ID() string
	// SetReadOnly makes the server refuse writes on this session until it
	// is closed. Drivers without a per-session switch leave it unchanged.
	SetReadOnly(ctx context.Context) error
	Execute(ctx context.Context, stmt string, returnsRows bool) (*Result, error)
	Close() error
}

// Connector abstracts interaction with an external database.
type Connector interface {
	Driver() domain.DatabaseDriver

	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error

	// Session leases a dedicated server session. It blocks while the
	// pool limit is reached.
	Session(ctx context.Context) (Session, error)

	// Kill asks the server to stop whatever sessionID is running. It goes
	// over a sibling connection, never the busy session itself.
	Kill(ctx context.Context, sessionID string) error

	// Introspect returns tables, columns and foreign keys of schema
	// (empty for the connection's default).
	Introspect(ctx context.Context, schema string) (*SchemaInfo, error)

	// Close closes every session and the underlying pool.
	Close() error
}

// Options tunes a connector.
type Options struct {
	PoolLimit      int           // sessions leased to executions; one more is kept for kills
	ConnectTimeout time.Duration // applied to dial and ping
	Logger         *slog.Logger
}

// DefaultPoolLimit is the session limit when Options leaves it unset.
const DefaultPoolLimit = 4

// IntrospectWidth is the most pool slots one introspection takes.
const IntrospectWidth = 3

func (o Options) withDefaults() Options {
	if o.PoolLimit <= 0 {
		o.PoolLimit = DefaultPoolLimit
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 8 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// NewConnector creates a Connector for the given profile.
// The password is the opened secret; it is not retained beyond the DSN.
func NewConnector(p *domain.ConnectionProfile, password string, opts Options) (Connector, error) {
	opts = opts.withDefaults()
	switch p.Driver {
	case domain.DatabaseDriverSQLite:
		return newSQLiteConnector(p, opts)
	case domain.DatabaseDriverDuckDB:
		return newDuckDBConnector(p, opts)
	case domain.DatabaseDriverMySQL:
		dsn, err := buildMySQLDSN(p, password, opts.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		return newSQLConnector(mysqlDialect, dsn, opts)
	case domain.DatabaseDriverPostgres:
		return newSQLConnector(postgresDialect, buildPostgresDSN(p, password, opts.ConnectTimeout), opts)
	case domain.DatabaseDriverPgx:
		return newSQLConnector(pgxDialect, buildPgxDSN(p, password, opts.ConnectTimeout), opts)
	default:
		return nil, domain.Errorf(domain.KindInvalidRequest, "unsupported driver: %s", p.Driver)
	}
}

// Factory builds connectors; the connection manager takes one so tests can
// substitute fakes.
type Factory func(p *domain.ConnectionProfile, password string, opts Options) (Connector, error)

var _ Factory = NewConnector

func defaultPort(d domain.DatabaseDriver, port int) int {
	if port != 0 {
		return port
	}
	switch d {
	case domain.DatabaseDriverMySQL:
		return 3306
	case domain.DatabaseDriverPostgres, domain.DatabaseDriverPgx:
		return 5432
	}
	return 0
}

func requireHost(p *domain.ConnectionProfile) error {
	if p.Host == "" {
		return fmt.Errorf("profile %s: host is required", p.ID)
	}
	return nil
}
