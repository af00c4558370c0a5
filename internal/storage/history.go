package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"querydesk/internal/domain"
)

// HistoryStore persists terminal executions. Timestamps are stored as unix
// nanoseconds so keyset pagination orders exactly.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

var _ domain.HistoryEntryStore = (*HistoryStore)(nil)

const historyColumns = `execution_id, session_id, connection_id, statement, preview, state, row_count, affected_rows, has_more,
	error, error_kind, submitted_at, started_at, finished_at, duration_ms`

// InsertEntries writes entries in one transaction. Rows whose execution id
// already exists are left untouched.
func (s *HistoryStore) InsertEntries(ctx context.Context, entries []domain.HistoryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin history batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history_entries (`+historyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range entries {
		var started sql.NullInt64
		if e.StartedAt != nil {
			started = sql.NullInt64{Int64: e.StartedAt.UnixNano(), Valid: true}
		}
		res, err := stmt.ExecContext(ctx,
			e.ExecutionID, e.SessionID, e.ConnectionID, e.Statement, e.Preview, string(e.State),
			e.RowCount, e.AffectedRows, e.HasMore, e.Error, string(e.ErrorKind),
			e.SubmittedAt.UnixNano(), started, e.FinishedAt.UnixNano(), e.DurationMs,
		)
		if err != nil {
			return 0, fmt.Errorf("insert history %s: %w", e.ExecutionID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit history batch: %w", err)
	}
	return inserted, nil
}

func (s *HistoryStore) GetEntry(ctx context.Context, executionID string) (*domain.HistoryEntry, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM history_entries WHERE execution_id = ?`, executionID)
	e, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "history entry not found: %s", executionID)
	}
	return e, err
}

// ListEntries returns one keyset page, newest submission first. Ties on
// submission time are broken by execution id, descending.
func (s *HistoryStore) ListEntries(ctx context.Context, f domain.HistoryFilter, after *domain.HistoryCursor, limit int) ([]domain.HistoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ConnectionID != "" {
		where = append(where, "connection_id = ?")
		args = append(args, f.ConnectionID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "submitted_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "submitted_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Search != "" {
		where = append(where, "instr(lower(statement), lower(?)) > 0")
		args = append(args, f.Search)
	}
	if after != nil {
		ts := after.SubmittedAt.UnixNano()
		where = append(where, "(submitted_at < ? OR (submitted_at = ? AND execution_id < ?))")
		args = append(args, ts, ts, after.ExecutionID)
	}

	query := `SELECT ` + historyColumns + ` FROM history_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at DESC, execution_id DESC LIMIT ?"
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Prune deletes entries submitted before cutoff and returns how many went.
func (s *HistoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM history_entries WHERE submitted_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanHistory(r rowScanner) (*domain.HistoryEntry, error) {
	var (
		e                   domain.HistoryEntry
		state, kind         string
		submitted, finished int64
		started             sql.NullInt64
	)
	if err := r.Scan(&e.ExecutionID, &e.SessionID, &e.ConnectionID, &e.Statement, &e.Preview, &state,
		&e.RowCount, &e.AffectedRows, &e.HasMore, &e.Error, &kind,
		&submitted, &started, &finished, &e.DurationMs); err != nil {
		return nil, err
	}
	e.State = domain.ExecutionState(state)
	e.ErrorKind = domain.ErrorKind(kind)
	e.SubmittedAt = time.Unix(0, submitted).UTC()
	e.FinishedAt = time.Unix(0, finished).UTC()
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		e.StartedAt = &t
	}
	return &e, nil
}
