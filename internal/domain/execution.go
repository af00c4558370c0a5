package domain

import "time"

// ExecutionState is a step of the per-statement state machine.
type ExecutionState string

const (
	ExecutionQueued    ExecutionState = "Queued"
	ExecutionRunning   ExecutionState = "Running"
	ExecutionCompleted ExecutionState = "Completed"
	ExecutionFailed    ExecutionState = "Failed"
	ExecutionCancelled ExecutionState = "Cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Valid reports whether s names a known state.
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionQueued, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Queued may fail directly when no session can be leased for it.
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	switch s {
	case ExecutionQueued:
		return next == ExecutionRunning || next == ExecutionCancelled || next == ExecutionFailed
	case ExecutionRunning:
		return next == ExecutionCompleted || next == ExecutionFailed || next == ExecutionCancelled
	}
	return false
}

// StatementKind is the coarse keyword classification of a statement.
type StatementKind string

const (
	StatementSelect  StatementKind = "select"
	StatementDML     StatementKind = "dml"
	StatementDDL     StatementKind = "ddl"
	StatementDCL     StatementKind = "dcl"
	StatementTCL     StatementKind = "tcl"
	StatementUtility StatementKind = "utility"
	StatementScript  StatementKind = "script"
	StatementUnknown StatementKind = "unknown"
)

// QueryExecution is one submitted statement's run. Snapshots handed out by
// the engine are copies; a terminal snapshot never changes.
type QueryExecution struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	ConnectionID string         `json:"connectionId"`
	Statement    string         `json:"statement"`
	ReadOnly     bool           `json:"readOnly"`
	Kind         StatementKind  `json:"kind"`
	State        ExecutionState `json:"state"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	RowCount     int64          `json:"rowCount"`
	AffectedRows int64          `json:"affectedRows"`
	HasMore      bool           `json:"hasMore"` // RowCount is a lower bound
	Error        string         `json:"error,omitempty"`
	ErrorKind    ErrorKind      `json:"errorKind,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
}

// Duration is the wall time between dispatch and the terminal state.
func (e *QueryExecution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	if e.StartedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

// ExecutionEvent is a status-change notification.
type ExecutionEvent struct {
	Execution QueryExecution `json:"execution"`
	Previous  ExecutionState `json:"previous,omitempty"`
	At        time.Time      `json:"at"`
}

// Column describes one result or table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable,omitempty"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
}

// ResultPage is one page of a materialized result.
type ResultPage struct {
	ExecutionID  string   `json:"executionId"`
	Index        int      `json:"index"`
	PageSize     int      `json:"pageSize"`
	Columns      []Column `json:"columns"`
	Rows         [][]any  `json:"rows"`
	HasMore      bool     `json:"hasMore"`
	AffectedRows int64    `json:"affectedRows,omitempty"`
}
