package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
	"querydesk/internal/service"
	"querydesk/internal/storage"
	"querydesk/internal/testutil"
)

// ─────────────────────────────────────────────────────────────
// fakeConnector: scripted server for cancellation timing
// ─────────────────────────────────────────────────────────────

// fakeConnector serves rows 0..rows-1 for any SELECT, blocks on any
// statement starting with SLEEP until killed or cancelled, and fails
// statements starting with FAIL.
type fakeConnector struct {
	rows    int
	started chan string

	pingErrs   []error
	closeGate  chan struct{} // Close blocks until it is closed, when set
	pings      atomic.Int32
	introspect atomic.Int32
	closed     atomic.Bool
	readOnly   atomic.Int32 // sessions switched to read-only

	mu       sync.Mutex
	nextID   int
	sessions map[string]*fakeSession
	killed   []string
}

func newFakeConnector(rows int) *fakeConnector {
	return &fakeConnector{rows: rows, started: make(chan string, 64), sessions: make(map[string]*fakeSession)}
}

func (c *fakeConnector) Driver() domain.DatabaseDriver { return domain.DatabaseDriverMySQL }

func (c *fakeConnector) Ping(context.Context) error {
	n := int(c.pings.Add(1)) - 1
	if n < len(c.pingErrs) {
		return c.pingErrs[n]
	}
	return nil
}

func (c *fakeConnector) Session(ctx context.Context) (dbclient.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, dbclient.ClassifyError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := &fakeSession{id: fmt.Sprint(c.nextID), conn: c, killed: make(chan struct{})}
	c.sessions[s.id] = s
	return s, nil
}

func (c *fakeConnector) Kill(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, sessionID)
	if s, ok := c.sessions[sessionID]; ok {
		s.killOnce.Do(func() { close(s.killed) })
	}
	return nil
}

func (c *fakeConnector) Killed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.killed...)
}

func (c *fakeConnector) Introspect(context.Context, string) (*dbclient.SchemaInfo, error) {
	n := c.introspect.Add(1)
	return &dbclient.SchemaInfo{Tables: []domain.Table{{Name: fmt.Sprintf("t%d", n)}}}, nil
}

func (c *fakeConnector) Close() error {
	if c.closeGate != nil {
		<-c.closeGate
	}
	c.closed.Store(true)
	return nil
}

type fakeSession struct {
	id       string
	conn     *fakeConnector
	killed   chan struct{}
	killOnce sync.Once
	readOnly atomic.Bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) SetReadOnly(context.Context) error {
	s.readOnly.Store(true)
	s.conn.readOnly.Add(1)
	return nil
}

func (s *fakeSession) Execute(ctx context.Context, stmt string, returnsRows bool) (*dbclient.Result, error) {
	select {
	case s.conn.started <- stmt:
	default:
	}
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	switch {
	case strings.HasPrefix(upper, "SLEEP"):
		select {
		case <-s.killed:
			return nil, &domain.Error{Kind: domain.KindCancelled, Code: "1317", Message: "Query execution was interrupted"}
		case <-ctx.Done():
			return nil, dbclient.ClassifyError(ctx.Err())
		}
	case strings.HasPrefix(upper, "FAIL"):
		return nil, &domain.Error{Kind: domain.KindServer, Code: "1064", Message: "syntax error"}
	case !returnsRows && s.readOnly.Load():
		return nil, &domain.Error{Kind: domain.KindServer, Code: "1792", Message: "Cannot execute statement in a READ ONLY transaction."}
	}
	if !returnsRows {
		return &dbclient.Result{AffectedRows: 1}, nil
	}
	rows := make([][]any, s.conn.rows)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	return &dbclient.Result{Cursor: &fakeCursor{rows: rows}}, nil
}

func (s *fakeSession) Close() error { return nil }

type fakeCursor struct {
	mu     sync.Mutex
	rows   [][]any
	closed bool
}

func (c *fakeCursor) Columns() []domain.Column {
	return []domain.Column{{Name: "n", Type: "BIGINT"}}
}

func (c *fakeCursor) Fetch(ctx context.Context, n int) ([][]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, dbclient.ClassifyError(err)
	}
	if c.closed {
		return nil, nil
	}
	k := min(n, len(c.rows))
	out := c.rows[:k]
	c.rows = c.rows[k:]
	if k < n {
		c.closed = true
	}
	return out, nil
}

func (c *fakeCursor) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// ─────────────────────────────────────────────────────────────
// fixture: wired engine over an in-memory app database
// ─────────────────────────────────────────────────────────────

type fixture struct {
	conns    *service.ConnectionManager
	schemas  *service.SchemaCache
	engine   *service.Engine
	results  *service.Materializer
	history  *service.HistoryService
	profiles *storage.ProfileStore
	events   *service.RecordingPublisher
	dials    atomic.Int32
}

type fixtureOptions struct {
	factory      dbclient.Factory
	engine       service.EngineOptions
	materializer service.MaterializerOptions
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	db, err := storage.New(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := testutil.NewLogger(t)
	f := &fixture{
		schemas:  service.NewSchemaCache(),
		profiles: storage.NewProfileStore(db),
		events:   &service.RecordingPublisher{},
	}
	factory := fo.factory
	if factory == nil {
		factory = dbclient.NewConnector
	}
	f.conns = service.NewConnectionManager(f.profiles, nil, f.schemas, service.ManagerOptions{
		PoolLimit:    4,
		RetryBackoff: time.Millisecond,
		Factory: func(p *domain.ConnectionProfile, pw string, o dbclient.Options) (dbclient.Connector, error) {
			f.dials.Add(1)
			return factory(p, pw, o)
		},
		Logger: logger,
	})
	f.history = service.NewHistoryService(storage.NewHistoryStore(db), nil, logger)

	fo.materializer.Logger = logger
	f.results = service.NewMaterializer(fo.materializer)

	fo.engine.Logger = logger
	fo.engine.Publisher = f.events
	if fo.engine.CancelGrace == 0 {
		fo.engine.CancelGrace = time.Second
	}
	f.engine = service.NewEngine(f.conns, f.results, f.history, fo.engine)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
		_ = f.history.Close(ctx)
		_ = f.conns.CloseAll(ctx)
	})
	return f
}

// withFake returns fixture options whose factory always hands out conn.
func withFake(conn *fakeConnector) fixtureOptions {
	return fixtureOptions{factory: func(*domain.ConnectionProfile, string, dbclient.Options) (dbclient.Connector, error) {
		return conn, nil
	}}
}

// addProfile stores a profile and returns its id.
func (f *fixture) addProfile(t *testing.T, p domain.ConnectionProfile) string {
	t.Helper()
	if p.ID == "" {
		p.ID = fmt.Sprintf("p-%d", time.Now().UnixNano())
	}
	if p.Driver == "" {
		p.Driver = domain.DatabaseDriverMySQL
		p.Host = "fake"
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	require.NoError(t, f.profiles.CreateProfile(context.Background(), &p))
	return p.ID
}

// open stores a fake profile and opens it.
func (f *fixture) open(t *testing.T) (string, *service.Handle) {
	t.Helper()
	id := f.addProfile(t, domain.ConnectionProfile{})
	h, err := f.conns.Open(context.Background(), id)
	require.NoError(t, err)
	return id, h
}

func (f *fixture) submit(t *testing.T, req service.SubmitRequest) string {
	t.Helper()
	id, err := f.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (f *fixture) waitState(t *testing.T, id string, want domain.ExecutionState) domain.QueryExecution {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.engine.Status(id)
		return err == nil && snap.State == want
	}, 5*time.Second, 2*time.Millisecond, "execution %s never reached %s", id, want)
	snap, err := f.engine.Status(id)
	require.NoError(t, err)
	return snap
}

func (f *fixture) waitTerminal(t *testing.T, id string) domain.QueryExecution {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.engine.Status(id)
		return err == nil && snap.State.Terminal()
	}, 5*time.Second, 2*time.Millisecond, "execution %s never finished", id)
	snap, err := f.engine.Status(id)
	require.NoError(t, err)
	return snap
}

func waitStarted(t *testing.T, c *fakeConnector) string {
	t.Helper()
	select {
	case stmt := <-c.started:
		return stmt
	case <-time.After(5 * time.Second):
		t.Fatal("statement never reached the server")
		return ""
	}
}
