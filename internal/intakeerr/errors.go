package intakeerr

import (
	"fmt"
	"time"
)

const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeNotRunnable  = "not_runnable"
	CodeConflict     = "conflict"
	CodeTimeout      = "timeout"
	CodeUpstream     = "upstream"
	CodeInternal     = "internal"
)

// Error is the typed error carried across the intake service. Transient
// errors are safe to retry without losing sheet data.
type Error struct {
	Code       string
	Message    string
	Transient  bool
	RetryAfter int
	Status     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeUnauthorized:
		return 401
	case CodeNotFound:
		return 404
	case CodeNotRunnable:
		return 409
	case CodeConflict:
		return 409
	case CodeTimeout:
		return 504
	case CodeUpstream:
		return 502
	default:
		return 500
	}
}

func newError(code, message string, transient bool, retryAfter time.Duration) *Error {
	retryAfterSec := 0
	if retryAfter > 0 {
		retryAfterSec = int(retryAfter.Seconds())
		if retryAfterSec <= 0 {
			retryAfterSec = 1
		}
	}
	return &Error{
		Code:       code,
		Message:    message,
		Transient:  transient,
		RetryAfter: retryAfterSec,
		Status:     statusForCode(code),
	}
}

func NewValidation(message string) *Error {
	return newError(CodeValidation, message, false, 0)
}

func NewValidationJSON(err error) *Error {
	return newError(CodeValidation, "invalid json: "+err.Error(), false, 0)
}

func NewUnauthorized(message string) *Error {
	return newError(CodeUnauthorized, message, false, 0)
}

func NewNotFound(message string) *Error {
	return newError(CodeNotFound, message, false, 0)
}

func NewNotRunnable(message string) *Error {
	return newError(CodeNotRunnable, message, false, 0)
}

func NewTimeout(message string) *Error {
	return newError(CodeTimeout, message, true, 0)
}

func NewUpstream(message string, retryAfter time.Duration) *Error {
	return newError(CodeUpstream, message, true, retryAfter)
}

func NewInternal(message string) *Error {
	return newError(CodeInternal, message, true, 0)
}
