package usage

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable identifier for a failure class.
type ErrorCode string

const (
	// StoreUnavailable means the backing store could not be reached. Fatal to
	// the operation in progress only.
	StoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	// InvalidQuery means a filter term, selection or ordering is malformed.
	InvalidQuery ErrorCode = "INVALID_QUERY"
	// ConcurrentUpdateLost marks a broken per-key serialization. It is a
	// defect, never an expected runtime outcome.
	ConcurrentUpdateLost ErrorCode = "CONCURRENT_UPDATE_LOST"
)

// Error carries a code, a message and an optional cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	cause   error
}

// NewError creates an Error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Errorf creates an Error with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsCode reports whether err or anything it wraps is an *Error with code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
