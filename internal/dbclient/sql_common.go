package dbclient

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"querydesk/internal/domain"
)

// dialect carries the per-driver pieces of the shared database/sql
// implementation.
type dialect struct {
	driver    domain.DatabaseDriver
	sqlDriver string // database/sql driver name

	// sessionIDQuery returns the server session id; empty if the driver
	// cancels through the context alone.
	sessionIDQuery string
	// killStatement builds the cancel directive for a session id.
	killStatement func(sessionID string) (string, []any, error)
	// readOnly turns writes off for the session; readWrite turns them back
	// on before the connection returns to the pool. Empty when the server
	// has no per-session switch.
	readOnly  string
	readWrite string

	queries introspectQueries
}

// sessionResetTimeout bounds the statement that undoes SetReadOnly.
const sessionResetTimeout = 5 * time.Second

// sqlConnector is the shared implementation for every database/sql driver.
type sqlConnector struct {
	dialect dialect
	db      *sql.DB
	opts    Options
	logger  *slog.Logger

	// sessions bounds leased sessions so one pooled connection always
	// stays free for kill directives.
	sessions *semaphore.Weighted
}

// newSQLConnector opens a pool for dsn.
func newSQLConnector(d dialect, dsn string, opts Options) (*sqlConnector, error) {
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.driver, err)
	}
	return newSQLConnectorFromDB(d, db, opts), nil
}

func newSQLConnectorFromDB(d dialect, db *sql.DB, opts Options) *sqlConnector {
	opts = opts.withDefaults()
	db.SetMaxOpenConns(opts.PoolLimit + 1)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlConnector{
		dialect:  d,
		db:       db,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "dbclient"), slog.String("driver", string(d.driver))),
		sessions: semaphore.NewWeighted(int64(opts.PoolLimit)),
	}
}

func (c *sqlConnector) Driver() domain.DatabaseDriver { return c.dialect.driver }

func (c *sqlConnector) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return ClassifyError(err)
	}
	return nil
}

func (c *sqlConnector) Session(ctx context.Context) (Session, error) {
	if err := c.sessions.Acquire(ctx, 1); err != nil {
		return nil, ClassifyError(err)
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		c.sessions.Release(1)
		return nil, ClassifyError(err)
	}
	s := &sqlSession{
		conn:      conn,
		readOnly:  c.dialect.readOnly,
		readWrite: c.dialect.readWrite,
		release:   func() { c.sessions.Release(1) },
	}
	if c.dialect.sessionIDQuery != "" {
		var id any
		if err := conn.QueryRowContext(ctx, c.dialect.sessionIDQuery).Scan(&id); err != nil {
			_ = s.Close()
			return nil, ClassifyError(err)
		}
		s.id = fmt.Sprint(formatValue(id))
	}
	return s, nil
}

func (c *sqlConnector) Kill(ctx context.Context, sessionID string) error {
	if c.dialect.killStatement == nil || sessionID == "" {
		return nil
	}
	stmt, args, err := c.dialect.killStatement(sessionID)
	if err != nil {
		return err
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return ClassifyError(err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
		return ClassifyError(err)
	}
	c.logger.Debug("kill directive sent", slog.String("session", sessionID))
	return nil
}

func (c *sqlConnector) Introspect(ctx context.Context, schema string) (*SchemaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Introspection queries run in parallel on leased slots so they never
	// take the connection reserved for kills.
	width := int64(min(IntrospectWidth, c.opts.PoolLimit))
	if err := c.sessions.Acquire(ctx, width); err != nil {
		return nil, ClassifyError(err)
	}
	defer c.sessions.Release(width)

	info, err := c.dialect.queries.run(ctx, c.db, schema, int(width))
	if err != nil {
		return nil, ClassifyError(err)
	}
	return info, nil
}

func (c *sqlConnector) Close() error {
	return c.db.Close()
}

// sqlSession pins one *sql.Conn for the lifetime of a lease.
type sqlSession struct {
	conn      *sql.Conn
	id        string
	readOnly  string
	readWrite string
	reset     string // run on Close; set once the session went read-only
	release   func()
	once      sync.Once
}

func (s *sqlSession) ID() string { return s.id }

func (s *sqlSession) SetReadOnly(ctx context.Context) error {
	if s.readOnly == "" {
		return nil
	}
	s.reset = s.readWrite
	if _, err := s.conn.ExecContext(ctx, s.readOnly); err != nil {
		return ClassifyError(err)
	}
	return nil
}

func (s *sqlSession) Execute(ctx context.Context, stmt string, returnsRows bool) (*Result, error) {
	if !returnsRows {
		res, err := s.conn.ExecContext(ctx, stmt)
		if err != nil {
			return nil, ClassifyError(err)
		}
		affected, _ := res.RowsAffected()
		return &Result{AffectedRows: affected}, nil
	}

	rows, err := s.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, ClassifyError(err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, ClassifyError(err)
	}
	if len(types) == 0 {
		// Statement produced no result set after all.
		if err := rows.Close(); err != nil {
			return nil, ClassifyError(err)
		}
		return &Result{}, nil
	}
	cols := make([]domain.Column, len(types))
	for i, ct := range types {
		nullable, _ := ct.Nullable()
		cols[i] = domain.Column{Name: ct.Name(), Type: ct.DatabaseTypeName(), Nullable: nullable}
	}
	return &Result{Cursor: &sqlCursor{rows: rows, columns: cols}}, nil
}

func (s *sqlSession) Close() error {
	var err error
	s.once.Do(func() {
		defer s.release()
		if s.reset != "" && !s.restore() {
			return
		}
		err = s.conn.Close()
	})
	return err
}

// restore undoes SetReadOnly. If that fails the connection is dropped from
// the pool instead of being handed to the next lease read-only.
func (s *sqlSession) restore() bool {
	ctx, cancel := context.WithTimeout(context.Background(), sessionResetTimeout)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, s.reset); err == nil {
		return true
	}
	_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	return false
}

// sqlCursor reads batches from an open *sql.Rows.
type sqlCursor struct {
	mu      sync.Mutex
	rows    *sql.Rows
	columns []domain.Column
}

func (c *sqlCursor) Columns() []domain.Column { return c.columns }

// Fetch reads up to n rows from the cursor.
func (c *sqlCursor) Fetch(ctx context.Context, n int) ([][]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rows == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, ClassifyError(err)
	}

	numCols := len(c.columns)
	var resultRows [][]any
	for i := 0; i < n; i++ {
		if !c.rows.Next() {
			break
		}
		values := make([]any, numCols)
		ptrs := make([]any, numCols)
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			c.closeLocked()
			return nil, ClassifyError(fmt.Errorf("scan row: %w", err))
		}
		row := make([]any, numCols)
		for j, v := range values {
			row[j] = formatValue(v)
		}
		resultRows = append(resultRows, row)
	}

	if err := c.rows.Err(); err != nil {
		c.closeLocked()
		return nil, ClassifyError(err)
	}
	if len(resultRows) < n {
		c.closeLocked()
	}
	return resultRows, nil
}

func (c *sqlCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *sqlCursor) closeLocked() error {
	if c.rows == nil {
		return nil
	}
	err := c.rows.Close()
	c.rows = nil
	return err
}

// formatValue converts a database value to a displayable one.
func formatValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}
