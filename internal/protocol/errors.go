package protocol

import (
	"errors"
	"fmt"
)

// Code classifies protocol-level failures so callers can tell a cookie
// bookkeeping bug apart from a transient transport problem.
type Code int32

const (
	CodeUnknown Code = iota
	CodeDecode
	CodeBadEvent
	CodeBadEventSignature
	CodeBadSyncCookie
	CodeNotFound
	CodeUnavailable
)

func (c Code) String() string {
	switch c {
	case CodeDecode:
		return "DECODE"
	case CodeBadEvent:
		return "BAD_EVENT"
	case CodeBadEventSignature:
		return "BAD_EVENT_SIGNATURE"
	case CodeBadSyncCookie:
		return "BAD_SYNC_COOKIE"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Error is a coded protocol error.
type Error struct {
	Code  Code
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a coded error.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Errorf creates a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, cause: cause}
}

// IsCode reports whether err carries the given protocol code anywhere in
// its chain.
func IsCode(err error, code Code) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
