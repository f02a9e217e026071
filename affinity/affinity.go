// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Worker placement: decodes an affinity mapping ("compact", "scatter",
// "balanced", "numa-balanced") against a topology into one PU mask per worker.
// Thread pinning itself is platform specific and lives in pin_*.go.

package affinity

import (
	"math"
	"strings"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/topology"
)

// Mapping selects how workers are distributed over processing units.
type Mapping int

const (
	// Linear places worker i on PU offset+i*step.
	Linear Mapping = iota
	Compact
	Scatter
	Balanced
	NUMABalanced
)

// ParseMapping decodes the textual mapping names. The empty string and
// "none" select Linear.
func ParseMapping(s string) (Mapping, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "linear":
		return Linear, nil
	case "compact":
		return Compact, nil
	case "scatter":
		return Scatter, nil
	case "balanced":
		return Balanced, nil
	case "numa-balanced":
		return NUMABalanced, nil
	}
	return Linear, api.Errorf(api.ErrCodeBadParameter, "unknown affinity mapping %q", s)
}

func (m Mapping) String() string {
	switch m {
	case Compact:
		return "compact"
	case Scatter:
		return "scatter"
	case Balanced:
		return "balanced"
	case NUMABalanced:
		return "numa-balanced"
	}
	return "linear"
}

// Options drive Decode.
type Options struct {
	NumThreads     int
	Mapping        Mapping
	PUOffset       int // Linear only
	PUStep         int // Linear only, defaults to 1
	UsedCores      int // cores skipped at the start of the machine
	MaxCores       int // 0 means all
	UseProcessMask bool
}

// Data holds the decoded placement of every worker of the runtime.
type Data struct {
	NumThreads     int
	Mapping        Mapping
	PUOffset       int
	PUStep         int
	UsedCores      int
	UseProcessMask bool
	Affinities     []topology.Mask
	PUNums         []int
}

// NewData decodes opts against topo.
func NewData(topo *topology.Topology, opts Options) (*Data, error) {
	if opts.NumThreads <= 0 {
		return nil, api.Errorf(api.ErrCodeBadParameter, "number of threads must be positive, got %d", opts.NumThreads)
	}
	if opts.PUStep <= 0 {
		opts.PUStep = 1
	}
	masks, pus, err := Decode(topo, opts)
	if err != nil {
		return nil, err
	}
	return &Data{
		NumThreads:     opts.NumThreads,
		Mapping:        opts.Mapping,
		PUOffset:       opts.PUOffset,
		PUStep:         opts.PUStep,
		UsedCores:      opts.UsedCores,
		UseProcessMask: opts.UseProcessMask,
		Affinities:     masks,
		PUNums:         pus,
	}, nil
}

// PUNum returns the PU number worker i is bound to.
func (d *Data) PUNum(i int) int { return d.PUNums[i] }

// Mask returns the affinity mask of worker i.
func (d *Data) Mask(i int) topology.Mask { return d.Affinities[i].Clone() }

// NumPUs returns how many workers are bound to pu.
func (d *Data) NumPUs(pu int) int {
	n := 0
	for _, p := range d.PUNums {
		if p == pu {
			n++
		}
	}
	return n
}

// decoder carries the shared state of one Decode call.
type decoder struct {
	topo      *topology.Topology
	opts      Options
	usedCores int
	numCores  int
	process   topology.Mask
}

func (d *decoder) usable(core, n int) bool {
	if !d.opts.UseProcessMask {
		return true
	}
	return d.process.Test(d.topo.PUNumber(core, n))
}

// Decode computes one mask per worker. Requesting more workers than there
// are usable PUs fails with bad_parameter.
func Decode(topo *topology.Topology, opts Options) ([]topology.Mask, []int, error) {
	n := opts.NumThreads
	avail := topo.NumPUs()
	if opts.UseProcessMask {
		avail = topo.ProcessMask().Count()
	}
	if n > avail {
		return nil, nil, api.Errorf(api.ErrCodeBadParameter,
			"requested %d worker threads but only %d processing units are available", n, avail).
			WithContext("use_process_mask", opts.UseProcessMask)
	}

	d := &decoder{topo: topo, opts: opts, usedCores: opts.UsedCores, process: topo.ProcessMask()}
	maxCores := opts.MaxCores
	if opts.UseProcessMask {
		d.usedCores, maxCores = 0, 0
	}
	d.numCores = topo.NumCores() - d.usedCores
	if maxCores > 0 && maxCores < d.numCores {
		d.numCores = maxCores
	}
	if d.numCores <= 0 {
		return nil, nil, api.Errorf(api.ErrCodeBadParameter, "no cores left after skipping %d used cores", d.usedCores)
	}

	switch opts.Mapping {
	case Linear:
		return d.linear()
	case Compact:
		return d.compact()
	case Scatter:
		return d.scatter()
	case Balanced:
		return d.balanced()
	case NUMABalanced:
		return d.numaBalanced()
	}
	return nil, nil, api.Errorf(api.ErrCodeBadParameter, "unknown affinity mapping %d", int(opts.Mapping))
}

func (d *decoder) linear() ([]topology.Mask, []int, error) {
	n := d.opts.NumThreads
	step := d.opts.PUStep
	if step <= 0 {
		step = 1
	}
	var usable []int
	for c := d.usedCores; c < d.usedCores+d.numCores; c++ {
		for p := 0; p < d.topo.CorePUs(c); p++ {
			if d.usable(c, p) {
				usable = append(usable, d.topo.PUNumber(c, p))
			}
		}
	}
	masks := make([]topology.Mask, n)
	pus := make([]int, n)
	for i := 0; i < n; i++ {
		idx := d.opts.PUOffset + i*step
		if idx >= len(usable) {
			return nil, nil, api.Errorf(api.ErrCodeBadParameter,
				"pu offset %d with step %d exceeds %d usable processing units", d.opts.PUOffset, step, len(usable))
		}
		pus[i] = usable[idx]
		masks[i] = topology.MaskOf(usable[idx])
	}
	return masks, pus, nil
}

func (d *decoder) compact() ([]topology.Mask, []int, error) {
	n := d.opts.NumThreads
	masks := make([]topology.Mask, 0, n)
	pus := make([]int, 0, n)
	for c := d.usedCores; c < d.usedCores+d.numCores && len(pus) < n; c++ {
		for p := 0; p < d.topo.CorePUs(c) && len(pus) < n; p++ {
			if !d.usable(c, p) {
				continue
			}
			pus = append(pus, d.topo.PUNumber(c, p))
			masks = append(masks, d.topo.PUMask(c, p))
		}
	}
	if len(pus) < n {
		return nil, nil, d.shortfall(len(pus))
	}
	return masks, pus, nil
}

// roundRobin takes one usable PU per core per round until want PUs were
// picked; the result lists picked PU indices per core in pick order.
func (d *decoder) roundRobin(cores []int, want int) ([][]int, int) {
	next := make([]int, len(cores))
	picked := make([][]int, len(cores))
	got := 0
	for got < want {
		progress := false
		for i, c := range cores {
			if got == want {
				break
			}
			for next[i] < d.topo.CorePUs(c) {
				p := next[i]
				next[i]++
				if d.usable(c, p) {
					picked[i] = append(picked[i], p)
					got++
					progress = true
					break
				}
			}
		}
		if !progress {
			break
		}
	}
	return picked, got
}

func (d *decoder) coreRange() []int {
	cores := make([]int, d.numCores)
	for i := range cores {
		cores[i] = d.usedCores + i
	}
	return cores
}

func (d *decoder) scatter() ([]topology.Mask, []int, error) {
	n := d.opts.NumThreads
	cores := d.coreRange()
	picked, got := d.roundRobin(cores, n)
	if got < n {
		return nil, nil, d.shortfall(got)
	}
	// Emit in round order: first PU of every core, then the second ones...
	masks := make([]topology.Mask, 0, n)
	pus := make([]int, 0, n)
	for round := 0; len(pus) < n; round++ {
		for i, c := range cores {
			if round < len(picked[i]) && len(pus) < n {
				pus = append(pus, d.topo.PUNumber(c, picked[i][round]))
				masks = append(masks, d.topo.PUMask(c, picked[i][round]))
			}
		}
	}
	return masks, pus, nil
}

func (d *decoder) balanced() ([]topology.Mask, []int, error) {
	n := d.opts.NumThreads
	cores := d.coreRange()
	picked, got := d.roundRobin(cores, n)
	if got < n {
		return nil, nil, d.shortfall(got)
	}
	return d.emitByCore(cores, picked, nil, nil)
}

func (d *decoder) emitByCore(cores []int, picked [][]int, masks []topology.Mask, pus []int) ([]topology.Mask, []int, error) {
	for i, c := range cores {
		for _, p := range picked[i] {
			pus = append(pus, d.topo.PUNumber(c, p))
			masks = append(masks, d.topo.PUMask(c, p))
		}
	}
	return masks, pus, nil
}

func (d *decoder) numaBalanced() ([]topology.Mask, []int, error) {
	n := d.opts.NumThreads
	sockets := d.topo.NumSockets()
	if sockets == 0 {
		sockets = 1
	}
	socketCores := make([][]int, sockets)
	socketPUs := make([]int, sockets)
	total := 0
	for s := 0; s < sockets; s++ {
		for k := 0; k < d.topo.SocketCores(s); k++ {
			c := d.topo.SocketCore(s, k)
			if c < d.usedCores || c >= d.usedCores+d.numCores {
				continue
			}
			socketCores[s] = append(socketCores[s], c)
			for p := 0; p < d.topo.CorePUs(c); p++ {
				if d.usable(c, p) {
					socketPUs[s]++
				}
			}
		}
		total += socketPUs[s]
	}
	if total < n {
		return nil, nil, d.shortfall(total)
	}

	share := make([]int, sockets)
	assigned := 0
	for s := 0; s < sockets; s++ {
		v := int(math.Round(float64(n*socketPUs[s]) / float64(total)))
		if v > socketPUs[s] {
			v = socketPUs[s]
		}
		if assigned+v > n {
			v = n - assigned
		}
		share[s] = v
		assigned += v
	}
	for s := 0; assigned < n && s < sockets; s++ {
		extra := min(socketPUs[s]-share[s], n-assigned)
		share[s] += extra
		assigned += extra
	}

	masks := make([]topology.Mask, 0, n)
	pus := make([]int, 0, n)
	for s := 0; s < sockets; s++ {
		if share[s] == 0 {
			continue
		}
		picked, got := d.roundRobin(socketCores[s], share[s])
		if got < share[s] {
			return nil, nil, d.shortfall(len(pus) + got)
		}
		masks, pus, _ = d.emitByCore(socketCores[s], picked, masks, pus)
	}
	return masks, pus, nil
}

func (d *decoder) shortfall(got int) error {
	return api.Errorf(api.ErrCodeBadParameter,
		"%s mapping placed only %d of %d worker threads", d.opts.Mapping, got, d.opts.NumThreads)
}
