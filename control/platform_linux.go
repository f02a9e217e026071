//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific platform debug probes.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformProbes sets Linux-specific debug metrics.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.gomaxprocs", func() any {
		return runtime.GOMAXPROCS(0)
	})
	dp.RegisterProbe("platform.loadavg", func() any {
		var si unix.Sysinfo_t
		if err := unix.Sysinfo(&si); err != nil {
			return nil
		}
		const scale = 1 << unix.SI_LOAD_SHIFT
		return [3]float64{
			float64(si.Loads[0]) / scale,
			float64(si.Loads[1]) / scale,
			float64(si.Loads[2]) / scale,
		}
	})
}
