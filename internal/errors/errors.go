// Package errors provides the error taxonomy of the FamRx sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are surfaced to the
// embedding application unchanged, so they are stable strings rather
// than ints.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage errors. A storage fault is fatal to the write and
	// is surfaced synchronously to the caller, never retried silently.
	ErrStorageFault ErrorCode = "STORAGE_FAULT"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"   // transient, retried with backoff
	ErrRemoteConflict ErrorCode = "REMOTE_CONFLICT" // expected, routed to the resolver
	ErrSyncExhausted  ErrorCode = "SYNC_EXHAUSTED"  // retry budget spent, dead-lettered
	ErrSyncSuspended  ErrorCode = "SYNC_SUSPENDED"  // no network available
)

// AppError is an error with a stable code, a human message, and an
// optional wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal when err is
// not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried with backoff
// rather than failing the mutation permanently.
func IsTransient(err error) bool {
	return Is(err, ErrNetwork)
}
