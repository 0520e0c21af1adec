package models

import (
	"errors"
	"fmt"
)

// Error kinds. Check with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrStorage             = errors.New("storage error")
	ErrStorageFull         = errors.New("local storage full")
	ErrNetwork             = errors.New("network error")
	ErrServerRejection     = errors.New("server rejected batch")
	ErrComplianceViolation = errors.New("compliance violation")

	ErrNotFound        = errors.New("not found")
	ErrStateTransition = errors.New("invalid batch state transition")
)

// Error carries an error kind, the operation that failed and an optional cause.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg = e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind. ErrStorageFull is also a storage error.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return target == ErrStorage && e.Kind == ErrStorageFull
}

// ValidationError reports a malformed event.
func ValidationError(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// StorageError reports a local write or read failure.
func StorageError(op string, err error) error {
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// StorageFullError reports that the pending-event store is at capacity.
func StorageFullError(op string, capacity int) error {
	return &Error{Kind: ErrStorageFull, Op: op, Message: fmt.Sprintf("local storage full (capacity %d events)", capacity)}
}

// NetworkError reports a transient delivery failure.
func NetworkError(op string, err error) error {
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

// RejectionError reports that the ingest server refused a batch as malformed.
func RejectionError(op string, status int, body string) error {
	msg := fmt.Sprintf("server rejected batch with status %d", status)
	if body != "" {
		msg += ": " + body
	}
	return &Error{Kind: ErrServerRejection, Op: op, Message: msg}
}

// Visible reports whether err should be surfaced to users or operators.
// Network errors are retried silently and validation failures stay with the caller.
func Visible(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrServerRejection)
}
