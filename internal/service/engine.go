package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"querydesk/internal/domain"
	"querydesk/internal/sqltext"
)

// ─────────────────────────────────────────────────────────────
// Engine: submission, cancellation and status of executions
// ─────────────────────────────────────────────────────────────

// EngineOptions configures an Engine.
type EngineOptions struct {
	MaxConcurrent  int           // executions dispatched at once
	PrefetchRows   int           // rows read before an execution completes
	RetainTerminal int           // terminal executions kept for Status
	CancelGrace    time.Duration // wait after a timeout cancel before replacing the handle

	Publisher EventPublisher // optional synchronous observer, in addition to Subscribe
	Metrics   *Metrics
	Logger    *slog.Logger
}

// SubmitRequest is one statement submission.
type SubmitRequest struct {
	SessionID    string        `json:"sessionId"`
	ConnectionID string        `json:"connectionId"`
	Statement    string        `json:"statement"`
	ReadOnly     bool          `json:"readOnly"`
	RowLimit     int           `json:"rowLimit,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// HistoryRecorder receives every terminal execution.
type HistoryRecorder interface {
	Record(exec domain.QueryExecution)
}

// Engine runs statements on leased server sessions, one worker per
// execution, and tracks their state machine.
type Engine struct {
	conns   *ConnectionManager
	results *Materializer
	history HistoryRecorder
	events  *Broadcaster
	opts    EngineOptions
	logger  *slog.Logger

	sem      *semaphore.Weighted
	workers  workerGuard
	prefetch atomic.Int64

	mu          sync.Mutex
	execs       map[string]*execution
	active      map[string][]*execution // non-terminal executions per session
	openResults map[string]string       // session -> execution whose cursor is still open
	retired     []string                // terminal ids, oldest first
	closed      bool
}

// NewEngine creates an Engine and wires it into the materializer.
func NewEngine(conns *ConnectionManager, results *Materializer, history HistoryRecorder, opts EngineOptions) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.PrefetchRows <= 0 {
		opts.PrefetchRows = 1000
	}
	if opts.RetainTerminal <= 0 {
		opts.RetainTerminal = 1000
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		conns:   conns,
		results: results,
		history: history,
		events:  NewBroadcaster(),
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "engine")),
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		execs:       make(map[string]*execution),
		active:      make(map[string][]*execution),
		openResults: make(map[string]string),
	}
	e.prefetch.Store(int64(opts.PrefetchRows))
	results.SetStatusSource(e)
	return e
}

// SetPrefetchRows changes how many rows later executions read before
// completing.
func (e *Engine) SetPrefetchRows(n int) {
	if n > 0 {
		e.prefetch.Store(int64(n))
	}
}

// ── Submit ─────────────────────────────────────────────────

// Submit validates req, creates a Queued execution and returns its id
// without waiting for the server. A running execution of the same session
// is cancelled; the new one starts after it is terminal and closes the
// cursor the session's previous result still holds. A read-only request
// must be a single SELECT and runs on a session the server keeps
// read-only.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	return e.submit(ctx, req, req.ReadOnly)
}

// Explain submits the execution plan of req.Statement.
func (e *Engine) Explain(ctx context.Context, req SubmitRequest) (string, error) {
	h, ok := e.conns.Handle(req.ConnectionID)
	if !ok {
		return "", domain.NewNoSuchConnectionError(req.ConnectionID)
	}
	stmt := strings.TrimSpace(req.Statement)
	if req.ReadOnly {
		if err := sqltext.ValidateReadOnly(stmt, h.Driver()); err != nil {
			return "", err
		}
	}
	if len(sqltext.Split(stmt, h.Driver())) != 1 {
		return "", domain.NewStatementRejectedError("explain takes exactly one statement")
	}
	prefix := "EXPLAIN "
	if h.Driver() == domain.DatabaseDriverSQLite {
		prefix = "EXPLAIN QUERY PLAN "
	}
	req.Statement = prefix + strings.TrimRight(stmt, "; \t\n")
	req.RowLimit = 0
	return e.submit(ctx, req, false)
}

// submit queues req. gate applies the single-SELECT check; the session is
// read-only whenever req.ReadOnly is set.
func (e *Engine) submit(_ context.Context, req SubmitRequest, gate bool) (string, error) {
	stmt := strings.TrimSpace(req.Statement)
	if stmt == "" {
		return "", domain.NewStatementRejectedError("statement is empty")
	}
	h, ok := e.conns.Handle(req.ConnectionID)
	if !ok {
		return "", domain.NewNoSuchConnectionError(req.ConnectionID)
	}
	driver := h.Driver()
	if gate {
		if err := sqltext.ValidateReadOnly(stmt, driver); err != nil {
			return "", err
		}
	}
	stmts := sqltext.Split(stmt, driver)
	if len(stmts) == 0 {
		return "", domain.NewStatementRejectedError("statement contains only comments")
	}
	kind := sqltext.Classify(stmt, driver)
	if req.RowLimit > 0 && kind == domain.StatementSelect {
		stmts[0] = sqltext.ApplyRowLimit(stmts[0], req.RowLimit, driver)
	}

	lease, err := h.Acquire()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	x := &execution{
		stmts:     stmts,
		kind:      kind,
		driver:    driver,
		readOnly:  req.ReadOnly,
		ddl:       sqltext.IsDDL(stmt, driver),
		sessionID: req.SessionID,
		lease:     lease,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		snap: domain.QueryExecution{
			ID:           uuid.NewString(),
			SessionID:    req.SessionID,
			ConnectionID: req.ConnectionID,
			Statement:    strings.Join(stmts, ";\n"),
			ReadOnly:     req.ReadOnly,
			Kind:         kind,
			State:        domain.ExecutionQueued,
			SubmittedAt:  time.Now().UTC(),
		},
	}
	x.id = x.snap.ID
	if req.Timeout > 0 {
		x.timer = time.AfterFunc(req.Timeout, func() { e.expire(x, req.Timeout) })
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if x.timer != nil {
			x.timer.Stop()
		}
		cancel()
		lease.Release()
		return "", domain.Errorf(domain.KindInvalidRequest, "engine is shutting down")
	}
	if req.SessionID != "" {
		x.waitFor = slices.Clone(e.active[req.SessionID])
		e.active[req.SessionID] = append(e.active[req.SessionID], x)
	}
	e.execs[x.id] = x
	e.workers.TryLock(x.id)
	e.mu.Unlock()

	e.opts.Metrics.executionQueued()
	x.mu.Lock()
	e.publishLocked(x, "")
	x.mu.Unlock()

	for _, prev := range x.waitFor {
		if e.Cancel(prev.id) {
			e.logger.Debug("execution preempted", slog.String("execution", prev.id), slog.String("by", x.id))
		}
	}
	go e.run(x)
	return x.id, nil
}

// ── Cancel / Status ────────────────────────────────────────

// Cancel stops an execution. A Queued one gives its lease back and becomes
// Cancelled before this returns. A Running one is marked, a kill directive
// goes out on a sibling session and the worker finalizes it. It returns
// false for unknown or terminal executions.
func (e *Engine) Cancel(executionID string) bool {
	x := e.lookup(executionID)
	if x == nil {
		return false
	}

	x.mu.Lock()
	switch x.snap.State {
	case domain.ExecutionQueued:
		if x.cancelPending {
			x.mu.Unlock()
			return true
		}
		// The worker sees the flag and leaves the transition to us.
		x.cancelPending = true
		x.mu.Unlock()
		x.cancel()
		x.lease.Release()
		e.abortQueued(x)
		return true

	case domain.ExecutionRunning:
		if x.cancelPending {
			x.mu.Unlock()
			return true
		}
		x.cancelPending = true
		sessionID := x.serverSession
		x.mu.Unlock()
		go e.kill(x, sessionID)
		return true
	}
	x.mu.Unlock()
	return false
}

// kill sends the server-side cancel directive, then cancels the worker's
// context so a driver blocked in a read returns.
func (e *Engine) kill(x *execution, sessionID string) {
	defer x.cancel()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CancelGrace)
	defer cancel()
	if err := x.lease.Handle().Kill(ctx, sessionID); err != nil {
		e.logger.Warn("kill directive failed",
			slog.String("execution", x.id), slog.String("session", sessionID), slog.String("error", err.Error()))
	}
}

// expire handles a SubmitRequest timeout: cancel, and if the execution is
// still not terminal after the grace period, replace the connection handle.
func (e *Engine) expire(x *execution, after time.Duration) {
	x.mu.Lock()
	x.timedOut = after
	x.mu.Unlock()
	if !e.Cancel(x.id) {
		return
	}
	select {
	case <-x.done:
		return
	case <-time.After(e.opts.CancelGrace):
	}
	e.logger.Warn("execution did not stop after timeout; replacing connection",
		slog.String("execution", x.id), slog.String("connection", x.snap.ConnectionID))
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CancelGrace)
	defer cancel()
	if _, err := e.conns.Replace(ctx, x.lease.Handle().ProfileID()); err != nil {
		e.logger.Error("replacing connection failed", slog.String("error", err.Error()))
	}
}

// Status returns a snapshot of executionID.
func (e *Engine) Status(executionID string) (domain.QueryExecution, error) {
	x := e.lookup(executionID)
	if x == nil {
		return domain.QueryExecution{}, domain.NewNoSuchExecutionError(executionID)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snap, nil
}

// Wait blocks until executionID is terminal and returns its final
// snapshot. If ctx ends first the execution keeps running.
func (e *Engine) Wait(ctx context.Context, executionID string) (domain.QueryExecution, error) {
	x := e.lookup(executionID)
	if x == nil {
		return domain.QueryExecution{}, domain.NewNoSuchExecutionError(executionID)
	}
	select {
	case <-x.done:
	case <-ctx.Done():
		return domain.QueryExecution{}, ctx.Err()
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snap, nil
}

// Executions returns snapshots of every tracked execution, newest first.
// An empty sessionID matches all.
func (e *Engine) Executions(sessionID string) []domain.QueryExecution {
	e.mu.Lock()
	xs := make([]*execution, 0, len(e.execs))
	for _, x := range e.execs {
		xs = append(xs, x)
	}
	e.mu.Unlock()

	out := make([]domain.QueryExecution, 0, len(xs))
	for _, x := range xs {
		x.mu.Lock()
		snap := x.snap
		x.mu.Unlock()
		if sessionID == "" || snap.SessionID == sessionID {
			out = append(out, snap)
		}
	}
	slices.SortFunc(out, func(a, b domain.QueryExecution) int {
		return b.SubmittedAt.Compare(a.SubmittedAt)
	})
	return out
}

// GetPage serves a page of a completed execution's result.
func (e *Engine) GetPage(ctx context.Context, executionID string, pageIndex, pageSize int) (*domain.ResultPage, error) {
	return e.results.GetPage(ctx, executionID, pageIndex, pageSize)
}

// Subscribe returns a channel of status changes. Events are dropped for a
// subscriber whose buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan domain.ExecutionEvent, func()) {
	return e.events.Subscribe(buffer)
}

// Shutdown cancels every non-terminal execution and waits for the workers.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.execs))
	for id := range e.execs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(id)
	}
	err := e.workers.WaitAll(ctx)
	e.results.Close()
	e.events.Close()
	if err != nil {
		return fmt.Errorf("waiting for %d workers: %w", e.workers.Running(), err)
	}
	return nil
}

func (e *Engine) lookup(id string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execs[id]
}

// ── State machine ──────────────────────────────────────────

// advanceLocked moves x to next if the state machine allows it and
// publishes the change. x.mu must be held.
func (e *Engine) advanceLocked(x *execution, next domain.ExecutionState, apply func(*domain.QueryExecution)) (domain.QueryExecution, bool) {
	prev := x.snap.State
	if !prev.CanTransition(next) {
		return x.snap, false
	}
	now := time.Now().UTC()
	x.snap.State = next
	switch {
	case next == domain.ExecutionRunning:
		x.snap.StartedAt = &now
	case next.Terminal():
		x.snap.FinishedAt = &now
	}
	if apply != nil {
		apply(&x.snap)
	}
	e.publishLocked(x, prev)
	if next.Terminal() {
		close(x.done)
	}
	return x.snap, true
}

func (e *Engine) advance(x *execution, next domain.ExecutionState, apply func(*domain.QueryExecution)) bool {
	x.mu.Lock()
	snap, ok := e.advanceLocked(x, next, apply)
	x.mu.Unlock()
	if ok && next.Terminal() {
		e.finish(x, snap)
	}
	return ok
}

func (e *Engine) publishLocked(x *execution, prev domain.ExecutionState) {
	ev := domain.ExecutionEvent{Execution: x.snap, Previous: prev, At: time.Now().UTC()}
	e.events.Publish(ev)
	if e.opts.Publisher != nil {
		e.opts.Publisher.Publish(ev)
	}
}

// finish runs once per execution, after its terminal transition.
func (e *Engine) finish(x *execution, snap domain.QueryExecution) {
	if x.timer != nil {
		x.timer.Stop()
	}
	e.opts.Metrics.executionFinished(snap.State, snap.Duration())
	if e.history != nil {
		e.history.Record(snap)
	}
	if snap.State == domain.ExecutionCompleted && x.ddl {
		e.conns.InvalidateSchema(snap.ConnectionID)
	}

	e.logger.Info("execution finished",
		slog.String("execution", snap.ID),
		slog.String("state", string(snap.State)),
		slog.Int64("rows", snap.RowCount),
		slog.Duration("duration", snap.Duration()),
	)

	e.mu.Lock()
	if snap.SessionID != "" {
		e.active[snap.SessionID] = slices.DeleteFunc(e.active[snap.SessionID], func(o *execution) bool { return o == x })
		if len(e.active[snap.SessionID]) == 0 {
			delete(e.active, snap.SessionID)
		}
	}
	e.retired = append(e.retired, x.id)
	var evicted []string
	for len(e.retired) > e.opts.RetainTerminal {
		old := e.retired[0]
		e.retired = e.retired[1:]
		delete(e.execs, old)
		evicted = append(evicted, old)
	}
	e.mu.Unlock()

	for _, id := range evicted {
		e.results.Discard(id)
	}
}
