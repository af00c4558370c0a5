package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine.
type ErrorKind string

const (
	KindAuth                 ErrorKind = "AuthError"
	KindNetwork              ErrorKind = "NetworkError"
	KindTimeout              ErrorKind = "TimeoutError"
	KindNoSuchConnection     ErrorKind = "NoSuchConnection"
	KindStatementRejected    ErrorKind = "StatementRejected"
	KindResultExpired        ErrorKind = "ResultExpired"
	KindPageOutOfRange       ErrorKind = "PageOutOfRange"
	KindDecryption           ErrorKind = "DecryptionError"
	KindServer               ErrorKind = "ServerError"
	KindExecutionNotTerminal ErrorKind = "ExecutionNotTerminal"
	KindNoSuchExecution      ErrorKind = "NoSuchExecution"
	KindNoResult             ErrorKind = "NoResult"
	KindInvalidRequest       ErrorKind = "InvalidRequest"
	KindConnectionInUse      ErrorKind = "ConnectionInUse"
	KindNotFound             ErrorKind = "NotFound"
	KindCancelled            ErrorKind = "Cancelled"
)

// Transient reports whether a failure of this kind is worth one retry.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork
}

// Error is the typed error carried across package boundaries.
// Code holds the server error code for KindServer (SQLSTATE or vendor number).
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, msg)
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Sentinels for errors.Is.
var (
	ErrAuth                 = &Error{Kind: KindAuth}
	ErrNetwork              = &Error{Kind: KindNetwork}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrNoSuchConnection     = &Error{Kind: KindNoSuchConnection}
	ErrStatementRejected    = &Error{Kind: KindStatementRejected}
	ErrResultExpired        = &Error{Kind: KindResultExpired}
	ErrPageOutOfRange       = &Error{Kind: KindPageOutOfRange}
	ErrDecryption           = &Error{Kind: KindDecryption}
	ErrServer               = &Error{Kind: KindServer}
	ErrExecutionNotTerminal = &Error{Kind: KindExecutionNotTerminal}
	ErrNoSuchExecution      = &Error{Kind: KindNoSuchExecution}
	ErrNoResult             = &Error{Kind: KindNoResult}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrConnectionInUse      = &Error{Kind: KindConnectionInUse}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// DecryptionMessage is what callers see when a sealed credential cannot be opened.
const DecryptionMessage = "profile credentials invalid — re-enter password"

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// NewNoSuchConnectionError reports an unknown or closed connection id.
func NewNoSuchConnectionError(connectionID string) *Error {
	return Errorf(KindNoSuchConnection, "no open connection %q", connectionID)
}

// NewNoSuchExecutionError reports an unknown execution id.
func NewNoSuchExecutionError(executionID string) *Error {
	return Errorf(KindNoSuchExecution, "unknown execution %q", executionID)
}

// NewStatementRejectedError reports a statement refused before dispatch.
func NewStatementRejectedError(reason string) *Error {
	return &Error{Kind: KindStatementRejected, Message: reason}
}

// NewDecryptionError wraps a vault failure with the user-facing message.
func NewDecryptionError(err error) *Error {
	return &Error{Kind: KindDecryption, Message: DecryptionMessage, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the server code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
