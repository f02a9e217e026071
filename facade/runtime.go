// File: facade/runtime.go
// Unified facade layer for the hioload-rt task runtime.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime aggregates the topology, affinity decoding, resource partitioner,
// thread pools and control plane behind one value built from Config.

package facade

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/affinity"
	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/control"
	"github.com/momentics/hioload-rt/locks"
	rtprom "github.com/momentics/hioload-rt/observability/prometheus"
	"github.com/momentics/hioload-rt/partitioner"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/threadpool"
	"github.com/momentics/hioload-rt/threads"
	"github.com/momentics/hioload-rt/topology"
)

// State is the lifecycle state of the runtime.
type State int32

const (
	StateInvalid State = iota
	StateInitialized
	StatePreStartup
	StateStartup
	StateRunning
	StateSuspended
	StatePreShutdown
	StateShutdown
	StateStopping
	StateTerminating
	StateStopped
)

var stateNames = [...]string{
	"invalid", "initialized", "pre_startup", "startup", "running", "suspended",
	"pre_shutdown", "shutdown", "stopping", "terminating", "stopped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Runtime owns every pool of one process-level task runtime.
type Runtime struct {
	cfg     Config
	logger  *zap.Logger
	topo    *topology.Topology
	aff     *affinity.Data
	part    *partitioner.Partitioner
	locks   *locks.Registry
	control *control.Control

	pools  []*threadpool.Pool
	byName map[string]*threadpool.Pool

	mu    sync.Mutex
	state atomic.Int32
}

// New builds the runtime: topology, affinity data, partitioner and one
// thread pool per partition. Workers start with Start.
func New(cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		l, err := control.NewLogger(cfg.LogLevel, cfg.Development)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	r := &Runtime{
		cfg:     cfg,
		logger:  logger.Named("runtime"),
		control: control.New(logger),
		byName:  make(map[string]*threadpool.Pool),
	}

	r.topo = cfg.Topology
	if r.topo == nil {
		r.topo = topology.Discover()
	}
	opts := cfg.Affinity
	opts.NumThreads = cfg.NumThreads
	if opts.NumThreads == 0 {
		opts.NumThreads = r.usablePUs(opts)
	}
	aff, err := affinity.NewData(r.topo, opts)
	if err != nil {
		return nil, err
	}
	r.aff = aff

	part, err := partitioner.New(r.topo, aff, cfg.PartitionerMode, logger)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultPoolName != "" && cfg.DefaultPoolName != partitioner.DefaultPoolName {
		if err := part.SetDefaultPoolName(cfg.DefaultPoolName); err != nil {
			return nil, err
		}
	}
	defName, _ := part.PoolName(0)
	if err := part.CreateThreadPool(defName, cfg.Scheduler, cfg.SchedulerMode); err != nil {
		return nil, err
	}
	if cfg.Partition != nil {
		if err := cfg.Partition(part); err != nil {
			return nil, err
		}
	}
	if err := part.Configure(); err != nil {
		return nil, err
	}
	r.part = part

	r.locks = locks.NewRegistry(logger)
	r.locks.Enable(cfg.LockDetection)
	r.locks.SetTraceDepth(cfg.LockTraceDepth)

	metrics := cfg.Metrics
	var collector *rtprom.PoolCollector
	if metrics == nil && cfg.Registerer != nil {
		exporter, err := rtprom.NewMetricsExporter(cfg.PrometheusNamespace, cfg.Registerer, rtprom.ExporterOptions{})
		if err != nil {
			return nil, err
		}
		if collector, err = rtprom.NewPoolCollector(cfg.PrometheusNamespace, cfg.Registerer); err != nil {
			return nil, err
		}
		metrics = exporter
	}

	base := threadpool.DefaultConfig()
	base.Logger = logger
	base.Metrics = metrics
	base.PanicHandler = cfg.PanicHandler
	base.PinWorkers = cfg.PinWorkers
	if cfg.StopAbortAfter > 0 {
		base.StopAbortAfter = cfg.StopAbortAfter
	}
	base.SchedulerConfig.Locks = r.locks
	base.SchedulerConfig.Clock = cfg.Clock
	pools, err := part.CreatePools(base)
	if err != nil {
		return nil, err
	}
	r.pools = pools
	for _, p := range pools {
		r.byName[p.Name()] = p
		if collector != nil {
			collector.Add(p)
		}
	}

	r.publishConfig()
	r.registerProbes()
	r.control.Config.OnReload(r.reload)
	r.state.Store(int32(StateInitialized))
	r.logger.Info("runtime initialized",
		zap.Int("threads", aff.NumThreads),
		zap.Int("pools", len(pools)),
		zap.Stringer("affinity", opts.Mapping))
	return r, nil
}

func (r *Runtime) usablePUs(opts affinity.Options) int {
	if opts.UseProcessMask {
		return r.topo.ProcessMask().Count()
	}
	return r.topo.NumPUs()
}

// Start runs the workers of every pool that has threads. When a pool fails
// to start, the pools already running are stopped and the error returned.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateInitialized {
		return api.Errorf(api.ErrCodeInvalidStatus, "runtime can not start in state %s", r.State())
	}
	r.setState(StatePreStartup)
	r.setState(StateStartup)
	var started []*threadpool.Pool
	for _, p := range r.pools {
		if p.NumThreads() == 0 {
			continue
		}
		if err := p.Run(ctx); err != nil {
			for _, s := range started {
				err = multierr.Append(err, s.Stop(ctx, true))
			}
			r.setState(StateStopped)
			return err
		}
		started = append(started, p)
	}
	r.setState(StateRunning)
	return nil
}

// Stop stops every pool and waits for their workers. The errors of all
// pools are combined.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State() {
	case StateStopped:
		return nil
	case StateInitialized:
		r.setState(StateStopped)
		return nil
	}
	if r.ownTask(ctx) {
		return api.Errorf(api.ErrCodeInvalidStatus, "runtime can not be stopped from one of its tasks")
	}
	r.setState(StatePreShutdown)
	r.setState(StateShutdown)
	r.setState(StateStopping)
	var err error
	for _, p := range r.pools {
		err = multierr.Append(err, p.Stop(ctx, false))
	}
	r.setState(StateTerminating)
	for _, p := range r.pools {
		err = multierr.Append(err, p.Join(ctx))
	}
	r.setState(StateStopped)
	r.logger.Info("runtime stopped", zap.Error(err))
	return err
}

// Suspend parks the workers of every pool.
func (r *Runtime) Suspend(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateRunning {
		return api.Errorf(api.ErrCodeInvalidStatus, "runtime can not suspend in state %s", r.State())
	}
	for _, p := range r.running() {
		if err := p.SuspendAll(ctx); err != nil {
			return err
		}
	}
	r.setState(StateSuspended)
	return nil
}

// Resume undoes Suspend.
func (r *Runtime) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() != StateSuspended {
		return api.Errorf(api.ErrCodeInvalidStatus, "runtime can not resume in state %s", r.State())
	}
	var err error
	for _, p := range r.running() {
		err = multierr.Append(err, p.ResumeAll(ctx))
	}
	if err == nil {
		r.setState(StateRunning)
	}
	return err
}

func (r *Runtime) ownTask(ctx context.Context) bool {
	t := threads.Self(ctx)
	if t == nil {
		return false
	}
	for _, p := range r.pools {
		if t.Owner() == threads.Owner(p.Scheduler()) {
			return true
		}
	}
	return false
}

func (r *Runtime) running() []*threadpool.Pool {
	out := make([]*threadpool.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		if p.NumThreads() > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (r *Runtime) setState(s State) {
	if old := State(r.state.Swap(int32(s))); old != s {
		r.logger.Debug("runtime state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// State returns the lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Submit runs fn on the default pool.
func (r *Runtime) Submit(fn threads.Func, opts ...threadpool.Option) (threads.Handle, error) {
	return r.pools[0].Submit(fn, opts...)
}

// Wait blocks until every pool is idle.
func (r *Runtime) Wait(ctx context.Context) error {
	for _, p := range r.running() {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pool returns the pool called name.
func (r *Runtime) Pool(name string) (*threadpool.Pool, error) {
	if p, ok := r.byName[name]; ok {
		return p, nil
	}
	return nil, api.Errorf(api.ErrCodeBadParameter, "pool %s does not exist", name)
}

// PoolByIndex returns pool i.
func (r *Runtime) PoolByIndex(i int) (*threadpool.Pool, error) {
	if i < 0 || i >= len(r.pools) {
		return nil, api.Errorf(api.ErrCodeBadParameter, "pool index %d out of range", i)
	}
	return r.pools[i], nil
}

// DefaultPool returns pool 0.
func (r *Runtime) DefaultPool() *threadpool.Pool { return r.pools[0] }

// NumPools returns the number of pools.
func (r *Runtime) NumPools() int { return len(r.pools) }

// NumThreads returns the number of workers over all pools.
func (r *Runtime) NumThreads() int { return r.aff.NumThreads }

func (r *Runtime) Topology() *topology.Topology          { return r.topo }
func (r *Runtime) Partitioner() *partitioner.Partitioner { return r.part }
func (r *Runtime) Locks() *locks.Registry                { return r.locks }
func (r *Runtime) Control() *control.Control             { return r.control }
func (r *Runtime) Logger() *zap.Logger                   { return r.logger }

// Stats refreshes the metrics snapshot and returns it merged with the debug
// probes.
func (r *Runtime) Stats() map[string]any {
	values := map[string]any{
		"runtime.state":   r.State().String(),
		"runtime.threads": r.aff.NumThreads,
	}
	for _, p := range r.pools {
		st := p.Scheduler().Stats()
		prefix := "pool." + p.Name() + "."
		values[prefix+"active_threads"] = p.ActiveThreads()
		values[prefix+"queue_length"] = p.QueueLength(-1)
		values[prefix+"live_tasks"] = st.Live
		values[prefix+"staged_tasks"] = st.Staged
		var executed, stolen uint64
		for _, w := range st.Workers {
			executed += w.Executed
			stolen += w.Stolen
		}
		values[prefix+"executed"] = executed
		values[prefix+"stolen"] = stolen
	}
	r.control.Metrics.SetAll(values)
	return r.control.Stats()
}

func (r *Runtime) publishConfig() {
	values := map[string]any{
		"runtime.threads":  r.aff.NumThreads,
		"runtime.affinity": r.aff.Mapping.String(),
		"runtime.pin":      r.cfg.PinWorkers,
		"locks.detection":  r.cfg.LockDetection,
	}
	for _, p := range r.pools {
		prefix := "pool." + p.Name() + "."
		values[prefix+"threads"] = p.NumThreads()
		values[prefix+"scheduler.policy"] = p.Scheduler().Policy().String()
		values[prefix+"scheduler.mode"] = p.Scheduler().Mode().String()
	}
	r.control.Config.Publish(values)
}

func (r *Runtime) registerProbes() {
	d := r.control.Debug
	d.RegisterProbe("topology", func() any { return r.topo.String() })
	d.RegisterProbe("runtime.state", func() any { return r.State().String() })
	for _, p := range r.pools {
		p := p
		prefix := "pool." + p.Name() + "."
		d.RegisterProbe(prefix+"state", func() any {
			states := make([]string, p.NumThreads())
			for i := range states {
				states[i] = p.WorkerState(i).String()
			}
			return map[string]any{"pool": p.State().String(), "workers": states}
		})
		d.RegisterProbe(prefix+"suspended", func() any {
			var out []string
			p.Scheduler().EnumerateThreads(threads.StateSuspended, func(t *threads.Task) bool {
				out = append(out, fmt.Sprintf("%d %q waiting on %q", t.ID(), t.Description(), t.WaitingOn()))
				return true
			})
			return out
		})
	}
}

// reload applies "pool.<name>.scheduler.mode" updates.
func (r *Runtime) reload(changed map[string]any) error {
	var err error
	for key, v := range changed {
		name, ok := strings.CutPrefix(key, "pool.")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, ".scheduler.mode")
		if !ok {
			continue
		}
		p, perr := r.Pool(name)
		if perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		var mode schedulers.Mode
		switch m := v.(type) {
		case schedulers.Mode:
			mode = m
		case string:
			if mode, perr = schedulers.ParseMode(m); perr != nil {
				err = multierr.Append(err, perr)
				continue
			}
		default:
			err = multierr.Append(err, api.Errorf(api.ErrCodeBadParameter, "%s: unsupported value %T", key, v))
			continue
		}
		if perr := p.Scheduler().SetMode(mode); perr != nil {
			err = multierr.Append(err, perr)
			continue
		}
		r.logger.Info("scheduler mode reloaded", zap.String("pool", name), zap.Stringer("mode", mode))
	}
	return err
}
