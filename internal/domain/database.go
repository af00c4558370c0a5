package domain

import (
	"context"
	"time"
)

// DatabaseDriver represents the type of database engine.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres" // lib/pq
	DatabaseDriverPgx      DatabaseDriver = "pgx"      // jackc/pgx stdlib
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
	DatabaseDriverDuckDB   DatabaseDriver = "duckdb"
)

// Valid reports whether d is a supported driver.
func (d DatabaseDriver) Valid() bool {
	switch d {
	case DatabaseDriverMySQL, DatabaseDriverPostgres, DatabaseDriverPgx, DatabaseDriverSQLite, DatabaseDriverDuckDB:
		return true
	}
	return false
}

// PostgresFamily reports whether the driver speaks the Postgres dialect.
func (d DatabaseDriver) PostgresFamily() bool {
	return d == DatabaseDriverPostgres || d == DatabaseDriverPgx
}

// Embedded reports whether the driver opens a local file instead of a server.
func (d DatabaseDriver) Embedded() bool {
	return d == DatabaseDriverSQLite || d == DatabaseDriverDuckDB
}

// TLS modes accepted in TLSOptions.Mode.
const (
	TLSDisable    = "disable"
	TLSRequire    = "require"
	TLSVerifyCA   = "verify-ca"
	TLSVerifyFull = "verify-full"
	TLSSkipVerify = "skip-verify"
)

// TLSOptions configures transport security for a profile.
type TLSOptions struct {
	Mode     string `json:"mode"`
	CAFile   string `json:"caFile,omitempty"`
	CertFile string `json:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty"`
}

// ConnectionProfile holds the metadata for connecting to an external database.
// The password is kept only in sealed form; it is opened transiently when a
// handle is dialed.
type ConnectionProfile struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Driver        DatabaseDriver `json:"driver"`
	Host          string         `json:"host"`     // hostname or file path (sqlite, duckdb)
	Port          int            `json:"port"`     // 0 for embedded drivers
	Database      string         `json:"database"` // db name or empty for embedded drivers
	Username      string         `json:"username"`
	SealedSecret  []byte         `json:"-"`
	DefaultSchema string         `json:"defaultSchema"`
	TLS           TLSOptions     `json:"tls"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// HasSecret reports whether a sealed password is stored for the profile.
func (p *ConnectionProfile) HasSecret() bool {
	return len(p.SealedSecret) > 0
}

// ConnectionProfileStore manages CRUD operations for connection profiles.
type ConnectionProfileStore interface {
	CreateProfile(ctx context.Context, p *ConnectionProfile) error
	GetProfile(ctx context.Context, id string) (*ConnectionProfile, error)
	ListProfiles(ctx context.Context) ([]ConnectionProfile, error)
	UpdateProfile(ctx context.Context, p *ConnectionProfile) error
	DeleteProfile(ctx context.Context, id string) error
}

// QuerySession is one editor tab: a connection binding plus the statement
// text the user is working on. The engine never persists it; the workspace
// collaborator does, through QuerySessionStore.
type QuerySession struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	ConnectionID       string    `json:"connectionId"`
	Statement          string    `json:"statement"`
	CurrentExecutionID string    `json:"currentExecutionId,omitempty"`
	Position           int       `json:"position"`
	Active             bool      `json:"active"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// QuerySessionStore persists editor tabs between runs.
type QuerySessionStore interface {
	SaveSession(ctx context.Context, s *QuerySession) error
	ListSessions(ctx context.Context) ([]QuerySession, error)
	DeleteSession(ctx context.Context, id string) error
}
