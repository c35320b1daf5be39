package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for clients and retry decisions.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeLockUnavailable Code = "LOCK_UNAVAILABLE"
	CodeAuthentication  Code = "AUTHENTICATION"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap returns a coded error around cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(message string, cause error) error {
	return Wrap(CodeValidation, message, cause)
}

func NotFound(message string, cause error) error {
	return Wrap(CodeNotFound, message, cause)
}

// LockUnavailable reports a conversation that is busy. The message is shown to
// users, so it asks them to try again.
func LockUnavailable(cause error) error {
	return Wrap(CodeLockUnavailable, "conversation is busy, please try again", cause)
}

func Authentication(message string, cause error) error {
	return Wrap(CodeAuthentication, message, cause)
}

func Unavailable(message string, cause error) error {
	return Wrap(CodeUnavailable, message, cause)
}

func Internal(message string, cause error) error {
	return Wrap(CodeInternal, message, cause)
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the failed operation left no partial state and
// may be retried immediately.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeLockUnavailable, CodeUnavailable:
		return true
	default:
		return false
	}
}
