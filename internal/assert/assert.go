// Package assert reports violated runtime invariants.
//
// An invariant failure means scheduler state is corrupt; the caller can not
// recover locally, so these helpers panic with an *api.Error.
package assert

import (
	"fmt"

	"github.com/momentics/hioload-rt/api"
)

// That panics with an invalid_status error when cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		panic(api.Errorf(api.ErrCodeInvalidStatus, format, args...))
	}
}

// Code panics with an error of the given code when cond is false.
func Code(cond bool, code api.ErrorCode, format string, args ...any) {
	if !cond {
		panic(api.Errorf(code, format, args...))
	}
}

// Fail panics unconditionally.
func Fail(format string, args ...any) {
	panic(api.NewError(api.ErrCodeInvalidStatus, fmt.Sprintf(format, args...)))
}
