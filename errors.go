package enjambre

import (
	"errors"
	"strings"
)

// ErrKind classifies failures by how the core reacts to them.
type ErrKind string

const (
	// KindTransient failures are retried later (queue replay, next region check).
	KindTransient ErrKind = "Transient"
	// KindPrecondition failures degrade to an empty result.
	KindPrecondition ErrKind = "Precondition"
	// KindIntegrity marks data that violates an invariant, e.g. a duplicate conversation.
	KindIntegrity ErrKind = "Integrity"
	// KindStorage marks local persistence failures.
	KindStorage  ErrKind = "Storage"
	KindInvalid  ErrKind = "Invalid"
	KindNotFound ErrKind = "NotFound"
	// KindBusy is returned when a mutually exclusive job is already running.
	KindBusy ErrKind = "Busy"
)

// SyncError is the error type returned by every component of the core.
type SyncError struct {
	Kind  ErrKind
	Op    string
	msg   string
	cause error
}

func (e *SyncError) Error() string {
	if e.cause != nil {
		return e.Op + ": " + e.msg + ": " + e.cause.Error()
	}
	return e.Op + ": " + e.msg
}

func (e *SyncError) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error.
func (e *SyncError) WithCause(c error) *SyncError {
	e.cause = c
	return e
}

// Trace renders the chain of causes, one per line.
func (e *SyncError) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.Op + ": " + e.msg)
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\nCaused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

func newSyncError(kind ErrKind, op, msg string) *SyncError {
	return &SyncError{Kind: kind, Op: op, msg: msg}
}

func ErrTransient(op, msg string) *SyncError    { return newSyncError(KindTransient, op, msg) }
func ErrPrecondition(op, msg string) *SyncError { return newSyncError(KindPrecondition, op, msg) }
func ErrIntegrity(op, msg string) *SyncError    { return newSyncError(KindIntegrity, op, msg) }
func ErrStorage(op, msg string) *SyncError      { return newSyncError(KindStorage, op, msg) }
func ErrInvalid(op, msg string) *SyncError      { return newSyncError(KindInvalid, op, msg) }
func ErrNotFound(op, msg string) *SyncError     { return newSyncError(KindNotFound, op, msg) }
func ErrBusy(op, msg string) *SyncError         { return newSyncError(KindBusy, op, msg) }

// KindOf returns the kind of the first SyncError in err's chain, or "" if none.
func KindOf(err error) ErrKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func IsTransient(err error) bool    { return KindOf(err) == KindTransient }
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }
