// File: topology/topology.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hardware topology: sockets, cores, processing units and NUMA nodes.
// Platform discovery lives in discover_*.go guarded by build tags.

package topology

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/klauspost/cpuid/v2"
	"github.com/pbnjay/memory"

	"github.com/momentics/hioload-rt/api"
)

// PU is one hardware thread.
type PU struct {
	ID       int // OS processing unit number
	Core     int // index into Topology cores
	Socket   int // index into Topology sockets
	NUMANode int
}

// Core is one physical core.
type Core struct {
	Socket int
	PUs    []int // OS PU numbers, ascending
}

// Socket is one package.
type Socket struct {
	ID    int
	Cores []int // indices into Topology cores
}

// Topology is an immutable snapshot of the machine layout.
type Topology struct {
	pus         []PU
	cores       []Core
	sockets     []Socket
	numaNodes   []Mask
	processMask Mask
	cacheLine   int
	memory      uint64
}

// Discover inspects the running machine. It never fails: when the platform
// probes are unavailable it falls back to a flat layout derived from cpuid.
func Discover() *Topology {
	if t, err := discoverPlatform(); err == nil && len(t.pus) > 0 {
		t.finish()
		return t
	}
	return fallback()
}

// New builds a synthetic, uniform topology. NUMA nodes map one to one onto
// sockets. PU numbers are assigned core by core.
func New(sockets, coresPerSocket, pusPerCore int) (*Topology, error) {
	if sockets <= 0 || coresPerSocket <= 0 || pusPerCore <= 0 {
		return nil, api.Errorf(api.ErrCodeBadParameter,
			"invalid topology shape %dx%dx%d", sockets, coresPerSocket, pusPerCore)
	}
	t := &Topology{}
	pu := 0
	for s := 0; s < sockets; s++ {
		sock := Socket{ID: s}
		var node Mask
		for c := 0; c < coresPerSocket; c++ {
			core := Core{Socket: s}
			coreIdx := len(t.cores)
			for p := 0; p < pusPerCore; p++ {
				t.pus = append(t.pus, PU{ID: pu, Core: coreIdx, Socket: s, NUMANode: s})
				core.PUs = append(core.PUs, pu)
				node.Set(pu)
				pu++
			}
			t.cores = append(t.cores, core)
			sock.Cores = append(sock.Cores, coreIdx)
		}
		t.sockets = append(t.sockets, sock)
		t.numaNodes = append(t.numaNodes, node)
	}
	t.finish()
	return t, nil
}

func fallback() *Topology {
	logical := runtime.NumCPU()
	tpc := cpuid.CPU.ThreadsPerCore
	if tpc <= 0 || logical%tpc != 0 {
		tpc = 1
	}
	cores := logical / tpc
	if phys := cpuid.CPU.PhysicalCores; phys > 0 && phys*tpc == logical {
		cores = phys
	}
	t, _ := New(1, cores, tpc)
	return t
}

func (t *Topology) finish() {
	sort.Slice(t.pus, func(i, j int) bool { return t.pus[i].ID < t.pus[j].ID })
	if t.processMask.None() {
		t.processMask = t.MachineMask()
	}
	if t.cacheLine == 0 {
		t.cacheLine = cpuid.CPU.CacheLine
		if t.cacheLine <= 0 {
			t.cacheLine = 64
		}
	}
	if t.memory == 0 {
		t.memory = memory.TotalMemory()
	}
	if len(t.numaNodes) == 0 {
		t.numaNodes = []Mask{t.MachineMask()}
	}
}

// NumSockets returns the number of sockets (at least one).
func (t *Topology) NumSockets() int { return len(t.sockets) }

// NumCores returns the number of physical cores.
func (t *Topology) NumCores() int { return len(t.cores) }

// NumPUs returns the number of processing units.
func (t *Topology) NumPUs() int { return len(t.pus) }

// NumNUMANodes returns the number of NUMA nodes.
func (t *Topology) NumNUMANodes() int { return len(t.numaNodes) }

// CacheLine returns the cache line size in bytes.
func (t *Topology) CacheLine() int { return t.cacheLine }

// TotalMemory returns the machine memory in bytes, 0 if unknown.
func (t *Topology) TotalMemory() uint64 { return t.memory }

// CorePUs returns the number of PUs on core.
func (t *Topology) CorePUs(core int) int {
	if core < 0 || core >= len(t.cores) {
		return 0
	}
	return len(t.cores[core].PUs)
}

// SocketCores returns the number of cores on socket.
func (t *Topology) SocketCores(socket int) int {
	if socket < 0 || socket >= len(t.sockets) {
		return 0
	}
	return len(t.sockets[socket].Cores)
}

// SocketCore returns the global core index of the n-th core of socket.
func (t *Topology) SocketCore(socket, n int) int {
	return t.sockets[socket].Cores[n]
}

// PUNumber returns the OS PU number of the n-th PU of core.
func (t *Topology) PUNumber(core, n int) int {
	return t.cores[core].PUs[n]
}

func (t *Topology) pu(id int) (PU, bool) {
	i := sort.Search(len(t.pus), func(i int) bool { return t.pus[i].ID >= id })
	if i < len(t.pus) && t.pus[i].ID == id {
		return t.pus[i], true
	}
	return PU{}, false
}

// CoreOfPU returns the core index hosting pu, -1 if unknown.
func (t *Topology) CoreOfPU(pu int) int {
	if p, ok := t.pu(pu); ok {
		return p.Core
	}
	return -1
}

// SocketOfPU returns the socket index hosting pu, -1 if unknown.
func (t *Topology) SocketOfPU(pu int) int {
	if p, ok := t.pu(pu); ok {
		return p.Socket
	}
	return -1
}

// NUMANodeOfPU returns the NUMA node of pu, -1 if unknown.
func (t *Topology) NUMANodeOfPU(pu int) int {
	if p, ok := t.pu(pu); ok {
		return p.NUMANode
	}
	return -1
}

// NUMANodeOfMask returns the NUMA node of the first PU in m, 0 for an empty mask.
func (t *Topology) NUMANodeOfMask(m Mask) int {
	if pu, ok := m.First(); ok {
		if n := t.NUMANodeOfPU(pu); n >= 0 {
			return n
		}
	}
	return 0
}

// PUMask returns a mask holding the n-th PU of core.
func (t *Topology) PUMask(core, n int) Mask {
	return MaskOf(t.cores[core].PUs[n])
}

// CoreMask returns all PUs of core.
func (t *Topology) CoreMask(core int) Mask {
	if core < 0 || core >= len(t.cores) {
		return Mask{}
	}
	return MaskOf(t.cores[core].PUs...)
}

// SocketMask returns all PUs of socket.
func (t *Topology) SocketMask(socket int) Mask {
	var m Mask
	if socket < 0 || socket >= len(t.sockets) {
		return m
	}
	for _, c := range t.sockets[socket].Cores {
		for _, pu := range t.cores[c].PUs {
			m.Set(pu)
		}
	}
	return m
}

// NUMANodeMask returns all PUs of NUMA node n.
func (t *Topology) NUMANodeMask(n int) Mask {
	if n < 0 || n >= len(t.numaNodes) {
		return Mask{}
	}
	return t.numaNodes[n].Clone()
}

// MachineMask returns every PU of the machine.
func (t *Topology) MachineMask() Mask {
	var m Mask
	for _, p := range t.pus {
		m.Set(p.ID)
	}
	return m
}

// ProcessMask returns the PUs the process may run on.
func (t *Topology) ProcessMask() Mask { return t.processMask.Clone() }

// WithProcessMask returns a copy of t restricted to m. PUs outside the
// machine are ignored.
func (t *Topology) WithProcessMask(m Mask) *Topology {
	c := *t
	c.processMask = m.And(t.MachineMask())
	return &c
}

// String summarizes the topology.
func (t *Topology) String() string {
	return fmt.Sprintf("sockets=%d numa=%d cores=%d pus=%d cacheline=%d memory=%dMiB",
		t.NumSockets(), t.NumNUMANodes(), t.NumCores(), t.NumPUs(), t.cacheLine, t.memory>>20)
}
