package retry

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable marks transient errors (file in use, permission flicker, network blips).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal marks errors that will not go away on their own.
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as never worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// Classify sorts an error into retryable or fatal.
//
// Fatal:
//   - errors wrapped with Permanent
//   - missing files or directories
//   - context cancellation
//   - invalid input and archive-format errors
//
// Retryable:
//   - permission denied, busy, sharing violations (a browser still holding the file)
//   - network and server-side errors
//
// Anything else is treated as retryable so a single flake does not abort an operation.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var p permanentError
	if errors.As(err, &p) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassFatal
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ErrorClassFatal
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())

	for _, pattern := range []string{
		"being used by another process",
		"sharing violation",
		"resource busy",
		"text file busy",
		"permission denied",
		"access is denied",
	} {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	for _, pattern := range []string{
		"no such file",
		"cannot find the path",
		"not a valid zip file",
		"zip: not a valid",
		"illegal base64",
		"invalid input",
		"duplicate key",
		"violates",
	} {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	for _, pattern := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"broken pipe",
		"eof",
		"too many connections",
		"500", "502", "503", "504",
		"429",
	} {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryable checks if an error should trigger another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == ErrorClassRetryable
}
