// Package errors provides the error taxonomy shared by the sync engine and its hosts.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes cross the FFI and HTTP boundaries verbatim.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Durable store read/write failure. Never retried internally.
	ErrStorage ErrorCode = "STORAGE_ERROR"

	// HTTP failure. Retried per queue item with backoff.
	ErrTransport ErrorCode = "TRANSPORT_ERROR"

	// Version lookup failure. The record stays pending for the next cycle.
	ErrConflictDetection ErrorCode = "CONFLICT_DETECTION_ERROR"

	// Fetch, merge or push failure. The conflict stays pending.
	ErrConflictResolution ErrorCode = "CONFLICT_RESOLUTION_ERROR"

	// Uncaught failure inside a sync cycle.
	ErrScheduler ErrorCode = "SCHEDULER_ERROR"

	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	StatusCode int // HTTP status for transport errors, 0 otherwise
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
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Transport builds a TRANSPORT_ERROR carrying the HTTP status of the failed call.
func Transport(statusCode int, message string, err error) *AppError {
	return &AppError{
		Code:       ErrTransport,
		Message:    message,
		Err:        err,
		StatusCode: statusCode,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// StatusCode returns the HTTP status recorded on a transport error, or 0.
func StatusCode(err error) int {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return 0
		}
		if appErr.StatusCode != 0 {
			return appErr.StatusCode
		}
		err = appErr.Err
	}
	return 0
}
