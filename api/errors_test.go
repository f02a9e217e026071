package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := Errorf(ErrCodeLockError, "unlock by %d", 7).WithContext("mutex", "m")
	assert.ErrorIs(t, err, ErrLockError)
	assert.NotErrorIs(t, err, ErrDeadlock)
	assert.Equal(t, ErrCodeLockError, CodeOf(fmt.Errorf("outer: %w", err)))
	assert.Contains(t, err.Error(), "lock_error: unlock by 7")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("EPERM")
	err := Wrap(ErrCodePermissionDenied, cause, "setaffinity")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Code: ErrCodePermissionDenied})
	assert.Equal(t, ErrCodeUnknown, CodeOf(cause))
	assert.Equal(t, ErrCodeSuccess, CodeOf(nil))
}
