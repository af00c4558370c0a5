package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
	"querydesk/internal/sqltext"
)

// execution is the engine's private record of one QueryExecution.
type execution struct {
	id        string
	stmts     []string
	kind      domain.StatementKind
	driver    domain.DatabaseDriver
	readOnly  bool // run on a session the server keeps read-only
	ddl       bool
	sessionID string
	lease     *Lease
	ctx       context.Context
	cancel    context.CancelFunc
	waitFor   []*execution // same-session predecessors that must end first
	done      chan struct{}
	timer     *time.Timer

	mu            sync.Mutex
	snap          domain.QueryExecution
	cancelPending bool
	timedOut      time.Duration
	serverSession string
}

// cancelReason is the message recorded for a cancelled execution. x.mu must
// be held.
func (x *execution) cancelReason(fallback string) string {
	if x.timedOut > 0 {
		return fmt.Sprintf("statement timed out after %s", x.timedOut)
	}
	return fallback
}

func (x *execution) cancelRequested() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelPending || x.ctx.Err() != nil
}

// outcome is what a worker learned from the server.
type outcome struct {
	columns    []domain.Column
	rows       [][]any
	limit      int             // prefetch size; rows holds one more when cursor is set
	cursor     dbclient.Cursor // still open; more rows remain
	affected   int64
	replayable bool
}

// rowCount is the number of rows prefetched, not counting the lookahead row.
func (o *outcome) rowCount() int64 {
	if o.cursor != nil {
		return int64(min(len(o.rows), o.limit))
	}
	return int64(len(o.rows))
}

// run is the worker goroutine of x. It owns x.lease until it either
// releases it or hands it to the materializer with an open cursor.
func (e *Engine) run(x *execution) {
	defer e.workers.Unlock(x.id)
	handedOff := false
	defer func() {
		if !handedOff {
			x.lease.Release()
			x.cancel()
		}
	}()

	for _, prev := range x.waitFor {
		select {
		case <-prev.done:
		case <-x.ctx.Done():
		}
	}
	x.waitFor = nil
	e.closePrevious(x)

	// Before Running the lease goes back ahead of the terminal transition.
	if err := e.sem.Acquire(x.ctx, 1); err != nil {
		x.lease.Release()
		e.abortQueued(x)
		return
	}
	defer e.sem.Release(1)

	session, err := x.lease.Session(x.ctx)
	if err != nil {
		x.lease.Release()
		if x.cancelRequested() {
			e.abortQueued(x)
			return
		}
		e.fail(x, err)
		return
	}

	x.mu.Lock()
	if x.cancelPending {
		// Cancel took it while Queued and finishes it.
		x.mu.Unlock()
		return
	}
	x.serverSession = session.ID()
	_, ok := e.advanceLocked(x, domain.ExecutionRunning, nil)
	x.mu.Unlock()
	if !ok {
		return
	}
	e.logger.Debug("execution dispatched",
		slog.String("execution", x.id), slog.String("server_session", session.ID()))

	out, err := e.dispatch(x, session)
	if err != nil {
		x.lease.Release()
		handedOff = true
		x.cancel()
		if x.cancelRequested() || domain.KindOf(err) == domain.KindCancelled {
			e.finalizeCancelled(x)
			return
		}
		e.fail(x, err)
		return
	}

	rs := NewResultSet(ResultSetParams{
		ExecutionID:  x.id,
		Statement:    x.stmts[len(x.stmts)-1],
		Replayable:   out.replayable,
		ReadOnly:     x.readOnly,
		Columns:      out.columns,
		AffectedRows: out.affected,
		Prefetched:   out.rows,
		Cursor:       out.cursor,
	})
	if out.cursor != nil {
		// The cursor lives on the worker's context and session; both stay
		// open until the result is closed.
		rs.lease = x.lease
		rs.onClose = x.cancel
		handedOff = true
	} else {
		x.lease.Release()
		handedOff = true
		x.cancel()
	}

	x.mu.Lock()
	if x.cancelPending {
		snap, _ := e.advanceLocked(x, domain.ExecutionCancelled, func(s *domain.QueryExecution) {
			s.ErrorKind = domain.KindCancelled
			s.Error = x.cancelReason("cancelled")
		})
		x.mu.Unlock()
		rs.close()
		e.finish(x, snap)
		return
	}
	e.results.Attach(rs)
	if out.cursor != nil && x.sessionID != "" {
		e.mu.Lock()
		e.openResults[x.sessionID] = x.id
		e.mu.Unlock()
	}
	snap, _ := e.advanceLocked(x, domain.ExecutionCompleted, func(s *domain.QueryExecution) {
		s.RowCount = out.rowCount()
		s.AffectedRows = out.affected
		s.HasMore = out.cursor != nil
	})
	x.mu.Unlock()
	if out.cursor != nil {
		rs.park()
	}
	e.finish(x, snap)
}

// closePrevious closes the cursor still held by the last result of x's
// session. Its buffered and cached pages stay readable.
func (e *Engine) closePrevious(x *execution) {
	if x.sessionID == "" {
		return
	}
	e.mu.Lock()
	prev, ok := e.openResults[x.sessionID]
	delete(e.openResults, x.sessionID)
	e.mu.Unlock()
	if ok {
		e.results.Reclaim(prev)
	}
}

// dispatch runs every statement of x on session and prefetches rows of the
// last one.
func (e *Engine) dispatch(x *execution, session dbclient.Session) (*outcome, error) {
	ctx := x.ctx
	out := &outcome{}
	if x.readOnly {
		if err := session.SetReadOnly(ctx); err != nil {
			return nil, fmt.Errorf("enter read-only session: %w", err)
		}
	}
	for i, stmt := range x.stmts {
		if x.cancelRequested() {
			return nil, domain.ErrCancelled
		}
		last := i == len(x.stmts)-1
		kind := sqltext.Classify(stmt, x.driver)
		returnsRows := last && (sqltext.ReturnsRows(stmt, x.driver) || kind == domain.StatementUnknown)

		res, err := session.Execute(ctx, stmt, returnsRows)
		if err != nil {
			if len(x.stmts) > 1 {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			return nil, err
		}
		out.affected += res.AffectedRows
		if !last || res.Cursor == nil {
			continue
		}

		out.columns = res.Cursor.Columns()
		out.replayable = len(x.stmts) == 1 && kind == domain.StatementSelect
		exhausted, err := e.prefetchRows(x, res.Cursor, out)
		if err != nil {
			_ = res.Cursor.Close()
			return nil, err
		}
		if !exhausted {
			out.cursor = res.Cursor
		}
	}
	return out, nil
}

const fetchBatch = 500

// prefetchRows reads the configured number of rows plus one lookahead row,
// so a cursor that ends right at the limit counts as exhausted. It checks
// for cancellation between batches.
func (e *Engine) prefetchRows(x *execution, cur dbclient.Cursor, out *outcome) (bool, error) {
	out.limit = int(e.prefetch.Load())
	want := out.limit + 1
	for len(out.rows) < want {
		if x.cancelRequested() {
			return false, domain.ErrCancelled
		}
		n := min(fetchBatch, want-len(out.rows))
		rows, err := cur.Fetch(x.ctx, n)
		if err != nil {
			return false, err
		}
		out.rows = append(out.rows, rows...)
		if len(rows) < n {
			return true, nil
		}
	}
	return false, nil
}

// abortQueued ends an execution that never reached Running.
func (e *Engine) abortQueued(x *execution) {
	e.advance(x, domain.ExecutionCancelled, func(s *domain.QueryExecution) {
		s.ErrorKind = domain.KindCancelled
		s.Error = x.cancelReason("cancelled before dispatch")
	})
}

func (e *Engine) finalizeCancelled(x *execution) {
	e.advance(x, domain.ExecutionCancelled, func(s *domain.QueryExecution) {
		s.ErrorKind = domain.KindCancelled
		s.Error = x.cancelReason("cancelled")
	})
}

// fail records err on x. Queued executions that could not lease a session
// fail directly.
func (e *Engine) fail(x *execution, err error) {
	err = dbclient.ClassifyError(err)
	e.advance(x, domain.ExecutionFailed, func(s *domain.QueryExecution) {
		s.Error = err.Error()
		s.ErrorKind = domain.KindOf(err)
		s.ErrorCode = domain.CodeOf(err)
	})
	e.logger.Warn("execution failed", slog.String("execution", x.id), slog.String("error", err.Error()))
}
