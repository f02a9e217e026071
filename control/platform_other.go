//go:build !linux
// +build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>
//
// Platform debug probes where no OS-specific source is wired.

package control

import (
	"runtime"
)

// RegisterPlatformProbes sets the portable debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.gomaxprocs", func() any {
		return runtime.GOMAXPROCS(0)
	})
}
