package domain

import (
	"context"
	"strings"
	"time"
)

// HistoryEntry is the durable record of one terminal execution.
type HistoryEntry struct {
	ExecutionID  string         `json:"executionId"`
	SessionID    string         `json:"sessionId"`
	ConnectionID string         `json:"connectionId"`
	Statement    string         `json:"statement"`
	Preview      string         `json:"preview"`
	State        ExecutionState `json:"state"`
	RowCount     int64          `json:"rowCount"`
	AffectedRows int64          `json:"affectedRows"`
	HasMore      bool           `json:"hasMore"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    ErrorKind      `json:"errorKind,omitempty"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FinishedAt   time.Time      `json:"finishedAt"`
	DurationMs   int64          `json:"durationMs"`
}

const previewLimit = 160

// StatementPreview collapses whitespace and truncates for list display.
func StatementPreview(stmt string) string {
	p := strings.Join(strings.Fields(stmt), " ")
	if len(p) > previewLimit {
		return p[:previewLimit-3] + "..."
	}
	return p
}

// NewHistoryEntry derives the history record for a terminal execution.
func NewHistoryEntry(e QueryExecution) HistoryEntry {
	h := HistoryEntry{
		ExecutionID:  e.ID,
		SessionID:    e.SessionID,
		ConnectionID: e.ConnectionID,
		Statement:    e.Statement,
		Preview:      StatementPreview(e.Statement),
		State:        e.State,
		RowCount:     e.RowCount,
		AffectedRows: e.AffectedRows,
		HasMore:      e.HasMore,
		Error:        e.Error,
		ErrorKind:    e.ErrorKind,
		SubmittedAt:  e.SubmittedAt,
		StartedAt:    e.StartedAt,
		DurationMs:   e.Duration().Milliseconds(),
	}
	if e.FinishedAt != nil {
		h.FinishedAt = *e.FinishedAt
	}
	return h
}

// HistoryFilter narrows a history query. Zero fields match everything.
type HistoryFilter struct {
	ConnectionID string           `json:"connectionId,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
	States       []ExecutionState `json:"states,omitempty"`
	Since        time.Time        `json:"since,omitzero"`
	Until        time.Time        `json:"until,omitzero"`
	Search       string           `json:"search,omitempty"` // substring of the statement
	Limit        int              `json:"limit,omitempty"`  // 0 means unbounded
}

// HistoryCursor is the keyset position after the last entry of a page.
type HistoryCursor struct {
	SubmittedAt time.Time
	ExecutionID string
}

// HistoryEntryStore persists history entries.
type HistoryEntryStore interface {
	// InsertEntries writes entries, skipping ids already present.
	// It returns how many rows were actually inserted.
	InsertEntries(ctx context.Context, entries []HistoryEntry) (int, error)
	GetEntry(ctx context.Context, executionID string) (*HistoryEntry, error)
	// ListEntries returns up to limit entries strictly after cursor (nil for
	// the first page), newest submission first.
	ListEntries(ctx context.Context, f HistoryFilter, after *HistoryCursor, limit int) ([]HistoryEntry, error)
}
