package service

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Materializer: turns open cursors into cached pages
// ─────────────────────────────────────────────────────────────

// StatusSource reports execution snapshots; the engine implements it.
type StatusSource interface {
	Status(executionID string) (domain.QueryExecution, error)
}

// MaterializerOptions configures a Materializer.
type MaterializerOptions struct {
	DefaultPageSize int // used when the first request passes 0
	PagesPerResult  int // page LRU size per result
	MaxOpenResults  int // result LRU size; evicting closes the cursor

	Metrics *Metrics
	Logger  *slog.Logger
}

// Materializer serves result pages of completed executions.
type Materializer struct {
	opts    MaterializerOptions
	logger  *slog.Logger
	results *lru.Cache[string, *ResultSet]

	mu     sync.RWMutex
	status StatusSource
}

// NewMaterializer creates a Materializer.
func NewMaterializer(opts MaterializerOptions) *Materializer {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 100
	}
	if opts.PagesPerResult <= 0 {
		opts.PagesPerResult = 64
	}
	if opts.MaxOpenResults <= 0 {
		opts.MaxOpenResults = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Materializer{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "results")),
	}
	// Eviction happens under the cache lock; closing may wait on a fetch
	// in progress, so it runs on its own goroutine.
	m.results, _ = lru.NewWithEvict(opts.MaxOpenResults, func(_ string, rs *ResultSet) {
		go rs.close()
	})
	return m
}

// SetStatusSource wires the engine in for state checks.
func (m *Materializer) SetStatusSource(s StatusSource) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Attach registers the result of a completed execution. It must happen
// before the execution is published as Completed.
func (m *Materializer) Attach(rs *ResultSet) {
	rs.pagesPerResult = m.opts.PagesPerResult
	rs.metrics = m.opts.Metrics
	rs.logger = m.logger.With(slog.String("execution", rs.executionID))
	m.results.Add(rs.executionID, rs)
}

// Discard closes and forgets the result of executionID.
func (m *Materializer) Discard(executionID string) {
	m.results.Remove(executionID)
}

// Reclaim closes the cursor of executionID's result and gives its session
// back. Rows already read stay available.
func (m *Materializer) Reclaim(executionID string) {
	if rs, ok := m.results.Peek(executionID); ok {
		rs.reclaim(true)
	}
}

// Close closes every open result.
func (m *Materializer) Close() {
	m.results.Purge()
}

// Open reports how many results are held.
func (m *Materializer) Open() int {
	return m.results.Len()
}

// GetPage returns page pageIndex of executionID's result. Pages are produced
// strictly in order: page n is available only after page n-1 was produced.
// The page size is fixed by the first request; pageSize 0 uses it (or the
// default on the first call).
func (m *Materializer) GetPage(ctx context.Context, executionID string, pageIndex, pageSize int) (*domain.ResultPage, error) {
	if pageSize < 0 {
		return nil, domain.Errorf(domain.KindInvalidRequest, "page size must not be negative")
	}
	rs, ok := m.results.Get(executionID)
	if !ok {
		return nil, m.missing(executionID)
	}
	return rs.page(ctx, pageIndex, pageSize, m.opts.DefaultPageSize)
}

func (m *Materializer) missing(executionID string) error {
	m.mu.RLock()
	src := m.status
	m.mu.RUnlock()
	if src == nil {
		return domain.NewNoSuchExecutionError(executionID)
	}
	snap, err := src.Status(executionID)
	if err != nil {
		return err
	}
	switch {
	case !snap.State.Terminal():
		return domain.Errorf(domain.KindExecutionNotTerminal, "execution %s is %s", executionID, snap.State)
	case snap.State != domain.ExecutionCompleted:
		return domain.Errorf(domain.KindNoResult, "execution %s ended %s and has no result", executionID, snap.State)
	}
	return domain.Errorf(domain.KindResultExpired, "result of %s is no longer held; re-execute the statement", executionID)
}

// ─────────────────────────────────────────────────────────────
// ResultSet: one execution's cursor and page cache
// ─────────────────────────────────────────────────────────────

// ResultSet owns the open cursor and server session of a completed
// execution until it is exhausted, discarded or evicted.
type ResultSet struct {
	executionID string
	statement   string
	replayable  bool
	readOnly    bool
	columns     []domain.Column
	affected    int64

	pagesPerResult int
	metrics        *Metrics
	logger         *slog.Logger

	mu        sync.Mutex
	lease     *Lease
	cursor    dbclient.Cursor
	onClose   func()
	buffered  [][]any
	exhausted bool
	closed    bool
	pageSize  int
	produced  int
	pages     *lru.Cache[int, [][]any]
}

// ResultSetParams describes what a worker hands over on completion.
type ResultSetParams struct {
	ExecutionID  string
	Statement    string
	Replayable   bool // the statement may be re-run to rebuild evicted pages
	ReadOnly     bool // replays run on a read-only session
	Columns      []domain.Column
	AffectedRows int64
	Prefetched   [][]any
	Cursor       dbclient.Cursor // nil when the cursor is already exhausted
	Lease        *Lease          // released when the result closes
	OnClose      func()          // runs after the lease is released
}

// NewResultSet builds a ResultSet.
func NewResultSet(p ResultSetParams) *ResultSet {
	rs := &ResultSet{
		executionID: p.ExecutionID,
		statement:   p.Statement,
		replayable:  p.Replayable,
		readOnly:    p.ReadOnly,
		columns:     p.Columns,
		affected:    p.AffectedRows,
		buffered:    p.Prefetched,
		cursor:      p.Cursor,
		lease:       p.Lease,
		onClose:     p.OnClose,
		exhausted:   p.Cursor == nil,
	}
	if rs.exhausted {
		rs.releaseLocked()
	}
	return rs
}

func (rs *ResultSet) page(ctx context.Context, index, size, defaultSize int) (*domain.ResultPage, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.bindSizeLocked(size, defaultSize); err != nil {
		return nil, err
	}
	if index < 0 || index > rs.produced {
		return nil, domain.Errorf(domain.KindPageOutOfRange,
			"page %d not available; next page is %d", index, rs.produced)
	}

	if index < rs.produced {
		if rows, ok := rs.pages.Get(index); ok {
			rs.metrics.page("hit")
			return rs.build(index, rows, index+1 < rs.produced || rs.moreLocked()), nil
		}
		rows, err := rs.replayLocked(ctx, index)
		if err != nil {
			return nil, err
		}
		rs.pages.Add(index, rows)
		return rs.build(index, rows, true), nil
	}

	if rs.produced > 0 && !rs.moreLocked() {
		return nil, domain.Errorf(domain.KindPageOutOfRange, "page %d is past the end of the result", index)
	}
	rows, err := rs.produceLocked(ctx)
	if err != nil {
		return nil, err
	}
	rs.pages.Add(index, rows)
	rs.produced++
	rs.metrics.page("produced")
	return rs.build(index, rows, rs.moreLocked()), nil
}

func (rs *ResultSet) bindSizeLocked(size, defaultSize int) error {
	if rs.pageSize == 0 {
		if size == 0 {
			size = defaultSize
		}
		rs.pageSize = size
		rs.pages, _ = lru.New[int, [][]any](max(rs.pagesPerResult, 1))
		return nil
	}
	if size != 0 && size != rs.pageSize {
		return domain.Errorf(domain.KindInvalidRequest,
			"page size is fixed at %d for this result", rs.pageSize)
	}
	return nil
}

// moreLocked reports whether at least one row remains unread.
func (rs *ResultSet) moreLocked() bool {
	return len(rs.buffered) > 0 || !rs.exhausted
}

// produceLocked takes the next page of rows, reading one row past it so
// hasMore is exact. Once the cursor was reclaimed only the buffered rows
// remain.
func (rs *ResultSet) produceLocked(ctx context.Context) ([][]any, error) {
	want := rs.pageSize + 1
	if !rs.exhausted && len(rs.buffered) < want && rs.cursor != nil {
		need := want - len(rs.buffered)
		rows, err := rs.cursor.Fetch(ctx, need)
		if err != nil {
			return nil, err
		}
		rs.buffered = append(rs.buffered, rows...)
		if len(rows) < need {
			rs.exhausted = true
			rs.releaseLocked()
		}
	}
	if !rs.exhausted && len(rs.buffered) == 0 {
		rs.metrics.page("expired")
		return nil, domain.Errorf(domain.KindResultExpired,
			"cursor of %s was closed before the rest was read; re-execute the statement", rs.executionID)
	}
	n := min(rs.pageSize, len(rs.buffered))
	rows := rs.buffered[:n:n]
	rs.buffered = rs.buffered[n:]
	return rows, nil
}

// replayLocked rebuilds an evicted page by re-running the statement on a
// fresh session and skipping to the page. Only possible while the primary
// cursor is open.
func (rs *ResultSet) replayLocked(ctx context.Context, index int) ([][]any, error) {
	if rs.exhausted || rs.closed || rs.lease == nil || !rs.replayable {
		rs.metrics.page("expired")
		return nil, domain.Errorf(domain.KindResultExpired,
			"page %d of %s was evicted and its cursor is closed; re-execute the statement", index, rs.executionID)
	}
	lease, err := rs.lease.Handle().Acquire()
	if err != nil {
		rs.metrics.page("expired")
		return nil, domain.Wrap(domain.KindResultExpired, err, "connection closed; re-execute the statement")
	}
	defer lease.Release()

	s, err := lease.Session(ctx)
	if err != nil {
		return nil, err
	}
	if rs.readOnly {
		if err := s.SetReadOnly(ctx); err != nil {
			return nil, err
		}
	}
	res, err := s.Execute(ctx, rs.statement, true)
	if err != nil {
		return nil, err
	}
	if res.Cursor == nil {
		return nil, domain.Errorf(domain.KindResultExpired, "replay of %s returned no rows", rs.executionID)
	}
	defer res.Cursor.Close()

	skip := index * rs.pageSize
	for skip > 0 {
		batch := min(skip, 1000)
		rows, err := res.Cursor.Fetch(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(rows) < batch {
			return nil, domain.Errorf(domain.KindResultExpired, "replay of %s returned fewer rows than before", rs.executionID)
		}
		skip -= batch
	}
	rows, err := res.Cursor.Fetch(ctx, rs.pageSize)
	if err != nil {
		return nil, err
	}
	rs.metrics.page("replayed")
	rs.logger.Debug("page replayed", slog.Int("page", index))
	return rows, nil
}

func (rs *ResultSet) build(index int, rows [][]any, hasMore bool) *domain.ResultPage {
	if rows == nil {
		rows = [][]any{}
	}
	return &domain.ResultPage{
		ExecutionID:  rs.executionID,
		Index:        index,
		PageSize:     rs.pageSize,
		Columns:      rs.columns,
		Rows:         rows,
		HasMore:      hasMore,
		AffectedRows: rs.affected,
	}
}

func (rs *ResultSet) close() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.closed = true
	rs.buffered = nil
	rs.releaseLocked()
}

// park offers the session of an open cursor to its handle for reclaiming.
// A handle that is already short of sessions takes it back at once.
func (rs *ResultSet) park() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lease == nil || rs.cursor == nil {
		return
	}
	if !rs.lease.Handle().park(rs) {
		rs.releaseLocked()
	}
}

// reclaim closes the cursor and gives the session back, keeping the rows
// already read. Without wait it gives up while a page read holds rs.
func (rs *ResultSet) reclaim(wait bool) bool {
	if wait {
		rs.mu.Lock()
	} else if !rs.mu.TryLock() {
		return false
	}
	defer rs.mu.Unlock()
	if rs.cursor == nil {
		return false
	}
	rs.releaseLocked()
	rs.logger.Debug("cursor closed to free its session", slog.Int("buffered_rows", len(rs.buffered)))
	return true
}

// releaseLocked closes the cursor and hands the session back.
func (rs *ResultSet) releaseLocked() {
	if rs.cursor != nil {
		_ = rs.cursor.Close()
		rs.cursor = nil
	}
	if rs.lease != nil {
		rs.lease.Handle().unpark(rs)
		rs.lease.Release()
		rs.lease = nil
	}
	if rs.onClose != nil {
		rs.onClose()
		rs.onClose = nil
	}
}
