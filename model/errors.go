package model

import "errors"

// Code classifies an Error the same way the backend classifies its own
// failures, so callers can branch on category without parsing messages.
type Code string

const (
	CodeIdNotFound       Code = "id_not_found"
	CodeNameNotFound     Code = "name_not_found"
	CodeResourceNotFound Code = "resource_not_found"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeUnauthorized     Code = "unauthorized"
	CodeGone             Code = "gone"
	CodeContainerFault   Code = "container_fault"
	CodeConnectionFault  Code = "connection_fault"
)

// Error is the engine-wide error type. Every failure that crosses a public
// API boundary is either an *Error or wraps one.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error of the given code without a wrapped cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds an *Error of the given code wrapping cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// IsCode reports whether err is an *Error carrying the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Sentinel errors used by the persistence and session layers for the
// conditions that occur often enough to be checked with errors.Is instead of
// going through Code comparisons.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrSessionClosed = errors.New("session is closed")
	ErrSessionOpen   = errors.New("session already open")
	ErrNoLink        = errors.New("link not present in session")
	ErrCancelled     = errors.New("operation cancelled")
)
