package types

import (
	"errors"
	"fmt"
)

// Status is the data-layer result code reported to clients in reply
// records. StatusOK is the zero value.
type Status int

const (
	StatusOK Status = iota
	// ErrOOM: allocation failed; fatal to the current operation.
	ErrOOM
	// ErrDoubleDeclare: id created twice.
	ErrDoubleDeclare
	// ErrDoubleWrite: single-assignment violation.
	ErrDoubleWrite
	// ErrUnset: read of an unset scalar.
	ErrUnset
	// ErrNotFound: datum does not exist.
	ErrNotFound
	// ErrSubscriptNotFound: datum exists but subscript does not.
	ErrSubscriptNotFound
	// ErrNumberFormat: malformed number in payload.
	ErrNumberFormat
	// ErrInvalid: malformed or out-of-domain input.
	ErrInvalid
	// ErrNullID: operation on NullID.
	ErrNullID
	// ErrType: type mismatch.
	ErrType
	// ErrRefcountNegative: a refcount would drop below zero.
	ErrRefcountNegative
	// ErrLimit: id exhaustion, buffer or protocol limit exceeded.
	ErrLimit
	// ErrUnresolved: unresolved future.
	ErrUnresolved
	// ErrBufferTooSmall: caller-provided buffer too small.
	ErrBufferTooSmall
	// StatusDone: iteration finished, not an error.
	StatusDone
	// ErrShutdown: the cluster is shutting down.
	ErrShutdown
	// ErrUnknown: unclassified failure.
	ErrUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case ErrOOM:
		return "OOM"
	case ErrDoubleDeclare:
		return "DOUBLE_DECLARE"
	case ErrDoubleWrite:
		return "DOUBLE_WRITE"
	case ErrUnset:
		return "UNSET"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrSubscriptNotFound:
		return "SUBSCRIPT_NOT_FOUND"
	case ErrNumberFormat:
		return "NUMBER_FORMAT"
	case ErrInvalid:
		return "INVALID"
	case ErrNullID:
		return "NULL_ID"
	case ErrType:
		return "TYPE"
	case ErrRefcountNegative:
		return "REFCOUNT_NEGATIVE"
	case ErrLimit:
		return "LIMIT"
	case ErrUnresolved:
		return "UNRESOLVED"
	case ErrBufferTooSmall:
		return "BUFFER_TOO_SMALL"
	case StatusDone:
		return "DONE"
	case ErrShutdown:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

// StatusError is a data-layer error carrying the Status code that is
// reported to the client in the reply record.
type StatusError struct {
	Status Status
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

// Statusf builds a StatusError with a formatted message.
func Statusf(s Status, format string, args ...any) error {
	return &StatusError{Status: s, Msg: fmt.Sprintf(format, args...)}
}

// Code extracts the Status from an error chain. A nil error is
// StatusOK; a non-status error is ErrUnknown.
func Code(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return ErrUnknown
}

// IsStatus reports whether err carries the given status code.
func IsStatus(err error, s Status) bool {
	return Code(err) == s
}
