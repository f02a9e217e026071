// Package api
// Author: momentics <momentics@gmail.com>
//
// Error kinds shared by every layer of the runtime. Contract violations are
// reported as *Error values carrying one of the codes below; timeouts are not
// errors and are reported as plain boolean outcomes by the primitives.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the runtime.
type ErrorCode int

const (
	ErrCodeSuccess ErrorCode = iota
	ErrCodeNoSuccess
	ErrCodeThreadInterrupted
	ErrCodeUnknown
	ErrCodeBadParameter
	ErrCodeKernelError
	ErrCodeOutOfMemory
	ErrCodeYieldAborted
	ErrCodeDeadlock
	ErrCodeInvalidStatus
	ErrCodePermissionDenied
	ErrCodeLockError
	ErrCodeNotSupported
	ErrCodeResourceUnavailable
	ErrCodeBadFunctionCall
)

var codeNames = [...]string{
	ErrCodeSuccess:             "success",
	ErrCodeNoSuccess:           "no_success",
	ErrCodeThreadInterrupted:   "thread_interrupted",
	ErrCodeUnknown:             "unknown_error",
	ErrCodeBadParameter:        "bad_parameter",
	ErrCodeKernelError:         "kernel_error",
	ErrCodeOutOfMemory:         "out_of_memory",
	ErrCodeYieldAborted:        "yield_aborted",
	ErrCodeDeadlock:            "deadlock",
	ErrCodeInvalidStatus:       "invalid_status",
	ErrCodePermissionDenied:    "permission_denied",
	ErrCodeLockError:           "lock_error",
	ErrCodeNotSupported:        "not_supported",
	ErrCodeResourceUnavailable: "resource_unavailable",
	ErrCodeBadFunctionCall:     "bad_function_call",
}

// String returns the canonical snake_case name of the code.
func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("error_code(%d)", int(c))
	}
	return codeNames[c]
}

// Sentinels for errors.Is checks. Matching is done by code, so any *Error
// with the same code satisfies errors.Is(err, ErrDeadlock) and friends.
var (
	ErrBadParameter        = &Error{Code: ErrCodeBadParameter, Message: "bad parameter"}
	ErrDeadlock            = &Error{Code: ErrCodeDeadlock, Message: "deadlock"}
	ErrInvalidStatus       = &Error{Code: ErrCodeInvalidStatus, Message: "invalid status"}
	ErrLockError           = &Error{Code: ErrCodeLockError, Message: "lock error"}
	ErrYieldAborted        = &Error{Code: ErrCodeYieldAborted, Message: "yield aborted"}
	ErrThreadInterrupted   = &Error{Code: ErrCodeThreadInterrupted, Message: "thread interrupted"}
	ErrNotSupported        = &Error{Code: ErrCodeNotSupported, Message: "operation not supported"}
	ErrResourceUnavailable = &Error{Code: ErrCodeResourceUnavailable, Message: "resource unavailable"}
	ErrKernelError         = &Error{Code: ErrCodeKernelError, Message: "kernel error"}
	ErrBadFunctionCall     = &Error{Code: ErrCodeBadFunctionCall, Message: "bad function call"}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code.String() + ": " + e.Message
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, cause error, message string) *Error {
	e := NewError(code, message)
	e.cause = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the code of err, ErrCodeUnknown for foreign errors and
// ErrCodeSuccess for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}
