// Package partitioner splits the processing units of the runtime into named
// thread pools, each with its own scheduler.
//
// Pool 0 is the default pool; it receives every processing unit nobody else
// claimed when Configure runs.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package partitioner

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/affinity"
	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/threadpool"
	"github.com/momentics/hioload-rt/topology"
)

// Mode relaxes the checks of Configure.
type Mode uint8

const (
	Default Mode = 0
	// AllowOversubscription lets several pools claim the same processing
	// unit exclusively.
	AllowOversubscription Mode = 1 << 0
	// AllowDynamicPools accepts pools that end up without threads.
	AllowDynamicPools Mode = 1 << 1
)

// DefaultPoolName is the initial name of pool 0.
const DefaultPoolName = "default"

// SchedulerFactory builds the scheduler of a pool; cfg carries the name,
// logger and defaults of the pool.
type SchedulerFactory func(cfg schedulers.Config) (schedulers.Scheduler, error)

type assignment struct {
	pu        int
	exclusive bool
	threads   int
}

type poolData struct {
	name      string
	policy    schedulers.Policy
	mode      schedulers.Mode
	factory   SchedulerFactory
	resources []assignment

	// filled by Configure
	offset int
	masks  []topology.Mask
	pus    []int
}

func (pd *poolData) numThreads() int {
	n := 0
	for _, a := range pd.resources {
		n += a.threads
	}
	return n
}

// Partitioner collects pool definitions and resource assignments until
// Configure freezes them.
type Partitioner struct {
	topo   *topology.Topology
	aff    *affinity.Data
	mode   Mode
	logger *zap.Logger

	mu         sync.Mutex
	pools      []*poolData
	configured bool
	layout     *affinity.Data
}

// New returns a partitioner for the workers decoded in aff. logger may be
// nil.
func New(topo *topology.Topology, aff *affinity.Data, mode Mode, logger *zap.Logger) (*Partitioner, error) {
	if topo == nil || aff == nil {
		return nil, api.Errorf(api.ErrCodeBadParameter, "partitioner needs a topology and affinity data")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Partitioner{
		topo:   topo,
		aff:    aff,
		mode:   mode,
		logger: logger.Named("partitioner"),
	}
	p.pools = append(p.pools, &poolData{
		name:   DefaultPoolName,
		policy: schedulers.PolicyLocalPriorityFIFO,
		mode:   schedulers.DefaultMode,
	})
	return p, nil
}

// Mode returns the partitioner mode.
func (p *Partitioner) Mode() Mode { return p.mode }

// Topology returns the machine topology.
func (p *Partitioner) Topology() *topology.Topology { return p.topo }

func (p *Partitioner) mutable() error {
	if p.configured {
		return api.Errorf(api.ErrCodeInvalidStatus, "partitioner is already configured")
	}
	return nil
}

func (p *Partitioner) find(name string) (int, *poolData) {
	for i, pd := range p.pools {
		if pd.name == name {
			return i, pd
		}
	}
	return -1, nil
}

// CreateThreadPool defines a pool served by one of the built-in schedulers.
// Redefining the default pool changes its policy.
func (p *Partitioner) CreateThreadPool(name string, policy schedulers.Policy, mode schedulers.Mode) error {
	if policy == schedulers.PolicyUser {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s: the user policy needs CreateThreadPoolFunc", name)
	}
	return p.define(&poolData{name: name, policy: policy, mode: mode})
}

// CreateThreadPoolFunc defines a pool whose scheduler is built by factory.
func (p *Partitioner) CreateThreadPoolFunc(name string, factory SchedulerFactory) error {
	if factory == nil {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s: nil scheduler factory", name)
	}
	return p.define(&poolData{name: name, policy: schedulers.PolicyUser, mode: schedulers.DefaultMode, factory: factory})
}

func (p *Partitioner) define(pd *poolData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mutable(); err != nil {
		return err
	}
	if pd.name == "" {
		return api.Errorf(api.ErrCodeBadParameter, "pool name is empty")
	}
	if i, old := p.find(pd.name); old != nil {
		if i != 0 {
			return api.Errorf(api.ErrCodeBadParameter, "pool %s already exists", pd.name)
		}
		pd.resources = old.resources
		p.pools[0] = pd
		return nil
	}
	p.pools = append(p.pools, pd)
	p.logger.Debug("pool defined", zap.String("pool", pd.name), zap.Stringer("policy", pd.policy))
	return nil
}

// SetDefaultPoolName renames pool 0.
func (p *Partitioner) SetDefaultPoolName(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mutable(); err != nil {
		return err
	}
	if name == "" {
		return api.Errorf(api.ErrCodeBadParameter, "pool name is empty")
	}
	if i, _ := p.find(name); i > 0 {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s already exists", name)
	}
	p.pools[0].name = name
	return nil
}

func (p *Partitioner) usedPU(pu int) bool {
	for _, n := range p.aff.PUNums {
		if n == pu {
			return true
		}
	}
	return false
}

// AddResource assigns numThreads workers on pu to pool. An exclusive
// assignment keeps other pools off the unit.
func (p *Partitioner) AddResource(pu int, pool string, exclusive bool, numThreads int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(pool, exclusive, numThreads, pu)
}

func (p *Partitioner) add(pool string, exclusive bool, numThreads int, pus ...int) error {
	if err := p.mutable(); err != nil {
		return err
	}
	_, pd := p.find(pool)
	if pd == nil {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s does not exist", pool)
	}
	if numThreads <= 0 {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s: thread count must be positive, got %d", pool, numThreads)
	}
	if len(pus) == 0 {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s: no usable processing units", pool)
	}
	for _, pu := range pus {
		if p.topo.CoreOfPU(pu) < 0 || !p.usedPU(pu) {
			return api.Errorf(api.ErrCodeBadParameter, "pu %d is not available to the runtime", pu).
				WithContext("pool", pool)
		}
	}
	for _, pu := range pus {
		pd.resources = append(pd.resources, assignment{pu: pu, exclusive: exclusive, threads: numThreads})
	}
	return nil
}

// AddCore assigns every available unit of core to pool.
func (p *Partitioner) AddCore(core int, pool string, exclusive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(pool, exclusive, 1, p.available(p.topo.CoreMask(core))...)
}

// AddSocket assigns every available unit of socket to pool.
func (p *Partitioner) AddSocket(socket int, pool string, exclusive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(pool, exclusive, 1, p.available(p.topo.SocketMask(socket))...)
}

func (p *Partitioner) available(m topology.Mask) []int {
	var out []int
	for _, pu := range m.PUs() {
		if p.usedPU(pu) {
			out = append(out, pu)
		}
	}
	return out
}

// CoreView lists the runtime's units on one core.
type CoreView struct {
	Index int
	PUs   []int
}

// SocketView lists the runtime's cores on one socket.
type SocketView struct {
	ID    int
	Cores []CoreView
}

// Sockets describes the units available for assignment, socket by socket.
func (p *Partitioner) Sockets() []SocketView {
	var out []SocketView
	for s := 0; s < p.topo.NumSockets(); s++ {
		sv := SocketView{ID: s}
		for n := 0; n < p.topo.SocketCores(s); n++ {
			core := p.topo.SocketCore(s, n)
			if pus := p.available(p.topo.CoreMask(core)); len(pus) > 0 {
				sv.Cores = append(sv.Cores, CoreView{Index: core, PUs: pus})
			}
		}
		if len(sv.Cores) > 0 {
			out = append(out, sv)
		}
	}
	return out
}

// Configure assigns unclaimed units to the default pool, validates the
// layout and freezes it.
func (p *Partitioner) Configure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mutable(); err != nil {
		return err
	}

	claims := map[int][]string{}
	exclusive := map[int]bool{}
	for _, pd := range p.pools {
		for _, a := range pd.resources {
			claims[a.pu] = append(claims[a.pu], pd.name)
			exclusive[a.pu] = exclusive[a.pu] || a.exclusive
		}
	}
	if p.mode&AllowOversubscription == 0 {
		pus := make([]int, 0, len(claims))
		for pu := range claims {
			pus = append(pus, pu)
		}
		sort.Ints(pus)
		for _, pu := range pus {
			if len(claims[pu]) > 1 && exclusive[pu] {
				return api.Errorf(api.ErrCodeBadParameter, "pu %d is claimed exclusively by more than one pool", pu).
					WithContext("pools", claims[pu])
			}
		}
	}
	var unclaimed []assignment
	seen := map[int]bool{}
	for _, pu := range p.aff.PUNums {
		if seen[pu] {
			continue
		}
		seen[pu] = true
		if _, claimed := claims[pu]; !claimed {
			unclaimed = append(unclaimed, assignment{pu: pu, exclusive: true, threads: p.aff.NumPUs(pu)})
		}
	}
	if p.mode&AllowDynamicPools == 0 {
		for i, pd := range p.pools {
			if pd.numThreads() == 0 && (i != 0 || len(unclaimed) == 0) {
				return api.Errorf(api.ErrCodeBadParameter, "pool %s has no threads", pd.name)
			}
		}
	}
	p.pools[0].resources = append(p.pools[0].resources, unclaimed...)

	layout := &affinity.Data{
		Mapping:        p.aff.Mapping,
		PUOffset:       p.aff.PUOffset,
		PUStep:         p.aff.PUStep,
		UsedCores:      p.aff.UsedCores,
		UseProcessMask: p.aff.UseProcessMask,
	}
	for _, pd := range p.pools {
		pd.offset = len(layout.PUNums)
		pd.masks, pd.pus = nil, nil
		for _, a := range pd.resources {
			mask := p.maskOf(a.pu)
			for k := 0; k < a.threads; k++ {
				pd.masks = append(pd.masks, mask)
				pd.pus = append(pd.pus, a.pu)
				layout.Affinities = append(layout.Affinities, mask.Clone())
				layout.PUNums = append(layout.PUNums, a.pu)
			}
		}
		p.logger.Info("pool configured",
			zap.String("pool", pd.name),
			zap.Int("threads", len(pd.pus)),
			zap.Int("thread_offset", pd.offset),
			zap.Stringer("policy", pd.policy))
	}
	layout.NumThreads = len(layout.PUNums)
	p.layout = layout
	p.configured = true
	return nil
}

// maskOf returns the affinity mask decoded for the first worker on pu.
func (p *Partitioner) maskOf(pu int) topology.Mask {
	for i, n := range p.aff.PUNums {
		if n == pu {
			return p.aff.Mask(i)
		}
	}
	return topology.MaskOf(pu)
}

// Configured reports whether Configure succeeded.
func (p *Partitioner) Configured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured
}

// Layout returns the worker placement of all pools, pool by pool. It is nil
// before Configure.
func (p *Partitioner) Layout() *affinity.Data {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.layout
}

// NumPools returns the number of pools.
func (p *Partitioner) NumPools() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools)
}

// PoolIndex returns the index of pool name.
func (p *Partitioner) PoolIndex(name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, _ := p.find(name); i >= 0 {
		return i, nil
	}
	return -1, api.Errorf(api.ErrCodeBadParameter, "pool %s does not exist", name)
}

// PoolName returns the name of pool i.
func (p *Partitioner) PoolName(i int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.pools) {
		return "", api.Errorf(api.ErrCodeBadParameter, "pool index %d out of range", i)
	}
	return p.pools[i].name, nil
}

func (p *Partitioner) lookup(name string) (*poolData, error) {
	if _, pd := p.find(name); pd != nil {
		return pd, nil
	}
	return nil, api.Errorf(api.ErrCodeBadParameter, "pool %s does not exist", name)
}

// PoolNumThreads returns the threads assigned to pool name.
func (p *Partitioner) PoolNumThreads(name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, err := p.lookup(name)
	if err != nil {
		return 0, err
	}
	return pd.numThreads(), nil
}

// PoolMasks returns the affinity masks of the workers of pool name. It is
// empty before Configure.
func (p *Partitioner) PoolMasks(name string) ([]topology.Mask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	out := make([]topology.Mask, len(pd.masks))
	for i, m := range pd.masks {
		out[i] = m.Clone()
	}
	return out, nil
}

// PoolPolicy returns the scheduling policy of pool name.
func (p *Partitioner) PoolPolicy(name string) (schedulers.Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, err := p.lookup(name)
	if err != nil {
		return 0, err
	}
	return pd.policy, nil
}

// CreatePools builds one thread pool per configured pool. base supplies the
// settings shared by all pools; name, index, placement and scheduler come
// from the partitioner.
func (p *Partitioner) CreatePools(base threadpool.Config) ([]*threadpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.configured {
		return nil, api.Errorf(api.ErrCodeInvalidStatus, "partitioner is not configured")
	}
	out := make([]*threadpool.Pool, 0, len(p.pools))
	for i, pd := range p.pools {
		cfg := base
		cfg.Name = pd.name
		cfg.Index = i
		cfg.NumThreads = len(pd.pus)
		cfg.ThreadOffset = pd.offset
		cfg.Affinity = p.layout
		cfg.Topology = p.topo
		sc := base.SchedulerConfig
		sc.Name = pd.name
		sc.Policy = pd.policy
		sc.Mode = pd.mode
		if sc.Logger == nil {
			sc.Logger = base.Logger
		}
		cfg.SchedulerConfig = sc
		cfg.Scheduler = nil
		if pd.factory != nil {
			s, err := pd.factory(sc)
			if err != nil {
				return nil, err
			}
			cfg.Scheduler = s
		}
		pool, err := threadpool.New(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.NumThreads > 0 {
			if err := pool.Init(cfg.NumThreads, cfg.ThreadOffset); err != nil {
				return nil, err
			}
		}
		out = append(out, pool)
	}
	return out, nil
}
