package errors

import (
	"errors"
	"fmt"
)

// Error attaches an ErrorCode to an underlying failure so callers can
// branch on the kind without string matching.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with no underlying cause.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err or any error it wraps.
// Unrecognized errors map to ErrCodeInternalError.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code at any wrap depth.
func HasCode(err error, code ErrorCode) bool {
	var coded *Error
	for errors.As(err, &coded) {
		if coded.Code == code {
			return true
		}
		err = coded.Err
		coded = nil
		if err == nil {
			return false
		}
	}
	return false
}

// Is and As re-export the stdlib helpers so call sites importing this
// package do not also need stdlib errors for common checks.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
