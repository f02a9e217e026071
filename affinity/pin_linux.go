//go:build linux

// File: affinity/pin_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux thread pinning through sched_setaffinity(2). No cgo required.

package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/topology"
)

// processSet is the affinity the process started with; Unpin restores it.
var processSet unix.CPUSet

const cpuSetBits = 1024

func init() {
	if err := unix.SchedGetaffinity(0, &processSet); err != nil {
		for i := 0; i < runtime.NumCPU(); i++ {
			processSet.Set(i)
		}
	}
}

// PinCurrentThread locks the calling goroutine to its OS thread and restricts
// that thread to mask. The goroutine stays locked even on failure.
func PinCurrentThread(mask topology.Mask) error {
	runtime.LockOSThread()
	if mask.None() {
		return api.Errorf(api.ErrCodeBadParameter, "empty affinity mask")
	}
	var set unix.CPUSet
	for _, pu := range mask.PUs() {
		set.Set(pu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return api.Wrap(api.ErrCodeResourceUnavailable, err, "sched_setaffinity failed").
			WithContext("mask", mask.String())
	}
	return nil
}

// UnpinCurrentThread restores the process affinity on the calling thread and
// releases the goroutine from it.
func UnpinCurrentThread() error {
	defer runtime.UnlockOSThread()
	set := processSet
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return api.Wrap(api.ErrCodeKernelError, err, "sched_setaffinity failed")
	}
	return nil
}

// CurrentMask reports the affinity of the calling OS thread.
func CurrentMask() (topology.Mask, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return topology.Mask{}, api.Wrap(api.ErrCodeKernelError, err, "sched_getaffinity failed")
	}
	var m topology.Mask
	for pu := 0; pu < cpuSetBits; pu++ {
		if set.IsSet(pu) {
			m.Set(pu)
		}
	}
	return m, nil
}

// ReduceThreadPriority raises the nice value of the calling OS thread by one.
// The caller must hold runtime.LockOSThread.
func ReduceThreadPriority() error {
	tid := unix.Gettid()
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return api.Wrap(api.ErrCodeKernelError, err, "getpriority failed")
	}
	// getpriority(2) returns 20-nice on Linux.
	nice := 20 - prio
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice+1); err != nil {
		return api.Wrap(api.ErrCodePermissionDenied, err, "setpriority failed")
	}
	return nil
}
