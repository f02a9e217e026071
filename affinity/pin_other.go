//go:build !linux

// File: affinity/pin_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for platforms without thread affinity support.

package affinity

import (
	"runtime"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/topology"
)

// PinCurrentThread locks the goroutine to its thread; pinning is unsupported.
func PinCurrentThread(mask topology.Mask) error {
	runtime.LockOSThread()
	return api.ErrNotSupported
}

// UnpinCurrentThread releases the goroutine from its thread.
func UnpinCurrentThread() error {
	runtime.UnlockOSThread()
	return nil
}

// CurrentMask is unsupported on this platform.
func CurrentMask() (topology.Mask, error) {
	return topology.Mask{}, api.ErrNotSupported
}

// ReduceThreadPriority is unsupported on this platform.
func ReduceThreadPriority() error {
	return api.ErrNotSupported
}
