// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package threadpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/synchronization"
	"github.com/momentics/hioload-rt/threads"
	"github.com/momentics/hioload-rt/topology"
)

// Pool owns a scheduler and the workers that serve it.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	sched  schedulers.Scheduler

	// mu serializes Run, Stop, SuspendAll, ResumeAll, Grow and Shrink.
	mu      sync.Mutex
	workers []*worker
	state   atomic.Int32
	running atomic.Bool

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	runErr   error
}

// New builds a pool and its scheduler. Workers are created by Init or Run.
func New(cfg Config) (*Pool, error) {
	cfg.normalize()
	sched := cfg.Scheduler
	if sched == nil {
		sc := cfg.SchedulerConfig
		if sc.Name == "" {
			sc.Name = cfg.Name
		}
		if sc.Logger == nil {
			sc.Logger = cfg.Logger
		}
		s, err := schedulers.New(sc)
		if err != nil {
			return nil, err
		}
		sched = s
	}
	p := &Pool{
		cfg:      cfg,
		logger:   cfg.Logger.Named("threadpool").With(zap.String("pool", cfg.Name)),
		sched:    sched,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.state.Store(int32(StateInitialized))
	return p, nil
}

// Init creates numThreads workers using the affinity entries starting at
// threadOffset and sizes the scheduler for them.
func (p *Pool) Init(numThreads, threadOffset int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.init(numThreads, threadOffset)
}

func (p *Pool) init(numThreads, threadOffset int) error {
	if p.workers != nil {
		return api.Errorf(api.ErrCodeInvalidStatus, "pool %s is already initialized", p.cfg.Name)
	}
	if numThreads <= 0 {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s needs at least one thread, got %d", p.cfg.Name, numThreads)
	}
	aff := p.cfg.Affinity
	if aff != nil && threadOffset+numThreads > len(aff.Affinities) {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s: threads [%d,%d) exceed %d affinity entries",
			p.cfg.Name, threadOffset, threadOffset+numThreads, len(aff.Affinities))
	}
	workers := make([]*worker, numThreads)
	numa := make([]int, numThreads)
	for i := range workers {
		pu := -1
		var mask topology.Mask
		if aff != nil {
			pu = aff.PUNum(threadOffset + i)
			mask = aff.Mask(threadOffset + i)
		}
		if p.cfg.Topology != nil && mask.Any() {
			numa[i] = p.cfg.Topology.NUMANodeOfMask(mask)
		}
		workers[i] = newWorker(i, pu, mask)
	}
	if err := p.sched.Init(schedulers.Workers{Count: numThreads, NUMA: numa}); err != nil {
		return err
	}
	p.sched.SetNotifier(func(i int) {
		if i >= 0 && i < len(workers) {
			workers[i].notify()
		}
	})
	p.workers = workers
	p.cfg.NumThreads, p.cfg.ThreadOffset = numThreads, threadOffset
	p.logger.Info("thread pool initialized",
		zap.Int("threads", numThreads),
		zap.Int("thread_offset", threadOffset),
		zap.Stringer("policy", p.sched.Policy()),
		zap.Stringer("mode", p.sched.Mode()))
	return nil
}

// Run starts the workers and returns once every worker is bound to its
// processing unit. A binding failure stops the pool and is returned.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if State(p.state.Load()) != StateInitialized {
		return api.Errorf(api.ErrCodeInvalidStatus, "pool %s can not start in state %s", p.cfg.Name, p.State())
	}
	if p.workers == nil {
		if err := p.init(p.cfg.NumThreads, p.cfg.ThreadOffset); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(context.Background())
	startup := make(chan error, len(p.workers))
	p.running.Store(true)
	p.state.Store(int32(StateRunning))
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return p.run(gctx, w, func(err error) { startup <- err })
		})
	}
	go func() {
		p.runErr = g.Wait()
		// a failed start ends the workers without Stop
		p.signalStop()
		p.sched.CleanupTerminated(true)
		p.state.Store(int32(StateStopped))
		p.logger.Info("thread pool stopped")
		close(p.done)
	}()

	var startErr error
	for range p.workers {
		select {
		case err := <-startup:
			if err != nil && startErr == nil {
				startErr = err
			}
		case <-ctx.Done():
			if startErr == nil {
				startErr = api.Wrap(api.ErrCodeYieldAborted, context.Cause(ctx), "pool startup aborted")
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	if startErr != nil {
		p.logger.Error("thread pool failed to start", zap.Error(startErr))
		p.signalStop()
		<-p.done
		return startErr
	}
	p.logger.Info("thread pool running", zap.Int("threads", len(p.workers)))
	return nil
}

func (p *Pool) signalStop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		p.state.Store(int32(StateStopping))
		close(p.stopping)
		for _, w := range p.workers {
			w.notify()
		}
	})
}

// callerWorker returns the worker running the task of ctx if that task
// belongs to this pool.
func (p *Pool) callerWorker(ctx context.Context) (int, bool) {
	t := threads.Self(ctx)
	if t == nil || t.Owner() != threads.Owner(p.sched) {
		return -1, false
	}
	return t.LastWorker(), true
}

// Stop lets the workers drain staged and pending work and exit. Tasks still
// suspended after StopAbortAfter are aborted. With blocking set Stop waits
// for the workers. Calling it from a task of this pool is an error.
func (p *Pool) Stop(ctx context.Context, blocking bool) error {
	if _, own := p.callerWorker(ctx); own {
		return api.Errorf(api.ErrCodeInvalidStatus, "pool %s can not be stopped from one of its tasks", p.cfg.Name)
	}
	p.mu.Lock()
	switch State(p.state.Load()) {
	case StateInitialized:
		p.state.Store(int32(StateStopped))
		close(p.done)
		p.mu.Unlock()
		return nil
	case StateStopped:
		p.mu.Unlock()
		<-p.done
		return p.runErr
	}
	p.logger.Info("stopping thread pool", zap.Bool("blocking", blocking))
	p.signalStop()
	p.mu.Unlock()

	go p.abortStragglers()
	if !blocking {
		return nil
	}
	return p.Join(ctx)
}

// abortStragglers aborts suspended tasks that keep the workers alive.
func (p *Pool) abortStragglers() {
	t := time.NewTicker(p.cfg.StopAbortAfter)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if n := p.sched.AbortAllSuspended(); n > 0 {
				p.logger.Warn("aborted suspended tasks during stop", zap.Int("count", n))
			}
		}
	}
}

// Join waits until every worker exited.
func (p *Pool) Join(ctx context.Context) error {
	select {
	case <-p.done:
		return p.runErr
	case <-ctx.Done():
		return api.Wrap(api.ErrCodeYieldAborted, context.Cause(ctx), "pool join aborted")
	}
}

// Done is closed once the pool stopped.
func (p *Pool) Done() <-chan struct{} { return p.done }

func (p *Pool) checkWorker(i int) error {
	if i < 0 || i >= len(p.workers) {
		return api.Errorf(api.ErrCodeBadParameter, "pool %s has no worker %d", p.cfg.Name, i)
	}
	return nil
}

func (p *Pool) checkRunning() error {
	if s := State(p.state.Load()); s != StateRunning && s != StateSuspended {
		return api.Errorf(api.ErrCodeInvalidStatus, "pool %s is %s", p.cfg.Name, s)
	}
	return nil
}

// requestSuspend asks worker i to park and returns the latch it counts
// down once parked.
func (p *Pool) requestSuspend(i int) *synchronization.Latch {
	w := p.workers[i]
	w.mu.Lock()
	if w.suspend == nil {
		w.suspend = synchronization.NewLatch(1)
	}
	l := w.suspend
	w.mu.Unlock()
	w.notify()
	return l
}

// requestResume wakes a suspended worker and returns the latch it counts
// down once running again, nil if the worker was not suspended.
func (p *Pool) requestResume(i int) *synchronization.Latch {
	w := p.workers[i]
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.suspend == nil {
		return nil
	}
	if w.resumed == nil {
		w.resumed = synchronization.NewLatch(1)
		w.resume <- struct{}{}
	}
	return w.resumed
}

func waitLatches(ctx context.Context, ls []*synchronization.Latch) error {
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SuspendProcessingUnit parks worker i and waits until it no longer runs
// tasks. The pool needs enable_elasticity; a task can not suspend the
// worker it runs on.
func (p *Pool) SuspendProcessingUnit(ctx context.Context, i int) error {
	if err := p.checkElastic(i); err != nil {
		return err
	}
	if w, own := p.callerWorker(ctx); own && w == i {
		return api.Errorf(api.ErrCodeInvalidStatus, "worker %d of pool %s can not suspend itself", i, p.cfg.Name)
	}
	return p.requestSuspend(i).Wait(ctx)
}

// ResumeProcessingUnit lets a suspended worker continue and waits until it
// runs again.
func (p *Pool) ResumeProcessingUnit(ctx context.Context, i int) error {
	if err := p.checkElastic(i); err != nil {
		return err
	}
	return waitLatches(ctx, []*synchronization.Latch{p.requestResume(i)})
}

func (p *Pool) checkElastic(i int) error {
	if !p.sched.Mode().Has(schedulers.EnableElasticity) {
		return api.Errorf(api.ErrCodeInvalidStatus, "pool %s does not have %s set", p.cfg.Name, schedulers.EnableElasticity)
	}
	if err := p.checkWorker(i); err != nil {
		return err
	}
	return p.checkRunning()
}

// SuspendAll parks every worker. It can not be called from a task of this
// pool.
func (p *Pool) SuspendAll(ctx context.Context) error {
	if _, own := p.callerWorker(ctx); own {
		return api.Errorf(api.ErrCodeInvalidStatus, "pool %s can not be suspended from one of its tasks", p.cfg.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkRunning(); err != nil {
		return err
	}
	latches := make([]*synchronization.Latch, len(p.workers))
	for i := range p.workers {
		latches[i] = p.requestSuspend(i)
	}
	if err := waitLatches(ctx, latches); err != nil {
		return err
	}
	p.state.Store(int32(StateSuspended))
	p.logger.Info("thread pool suspended")
	return nil
}

// ResumeAll resumes every suspended worker.
func (p *Pool) ResumeAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkRunning(); err != nil {
		return err
	}
	latches := make([]*synchronization.Latch, len(p.workers))
	for i := range p.workers {
		latches[i] = p.requestResume(i)
	}
	if err := waitLatches(ctx, latches); err != nil {
		return err
	}
	p.state.Store(int32(StateRunning))
	p.logger.Info("thread pool resumed")
	return nil
}

// Grow resumes up to n suspended workers and returns how many it resumed.
func (p *Pool) Grow(ctx context.Context, n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkElastic(0); err != nil {
		return 0, err
	}
	var latches []*synchronization.Latch
	for i := range p.workers {
		if len(latches) == n {
			break
		}
		if l := p.requestResume(i); l != nil {
			latches = append(latches, l)
		}
	}
	if err := waitLatches(ctx, latches); err != nil {
		return 0, err
	}
	return len(latches), nil
}

// Shrink suspends up to n running workers, never the caller's own one and
// never the last active worker. It returns how many it suspended.
func (p *Pool) Shrink(ctx context.Context, n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkElastic(0); err != nil {
		return 0, err
	}
	own, _ := p.callerWorker(ctx)
	var latches []*synchronization.Latch
	active := p.activeThreads()
	for i := len(p.workers) - 1; i >= 0 && len(latches) < n && active > 1; i-- {
		if i == own || p.workers[i].suspendRequest() != nil {
			continue
		}
		latches = append(latches, p.requestSuspend(i))
		active--
	}
	if err := waitLatches(ctx, latches); err != nil {
		return 0, err
	}
	return len(latches), nil
}

// CreateThread creates a task that is runnable right away.
func (p *Pool) CreateThread(data threads.InitData) (threads.Handle, error) {
	data.RunNow = true
	return p.create(data)
}

// CreateWork registers work; normal and low priority work is staged until
// a worker picks it up.
func (p *Pool) CreateWork(data threads.InitData) (threads.Handle, error) {
	return p.create(data)
}

func (p *Pool) create(data threads.InitData) (threads.Handle, error) {
	switch s := p.State(); s {
	case StateStopped:
		return threads.Handle{}, api.Errorf(api.ErrCodeInvalidStatus, "pool %s is %s", p.cfg.Name, s)
	case StateStopping:
		// draining tasks may still spawn children
		if _, own := p.callerWorker(data.Context); !own {
			return threads.Handle{}, api.Errorf(api.ErrCodeInvalidStatus, "pool %s is %s", p.cfg.Name, s)
		}
	}
	if p.workers == nil {
		return threads.Handle{}, api.Errorf(api.ErrCodeInvalidStatus, "pool %s is not initialized", p.cfg.Name)
	}
	return p.sched.CreateThread(data)
}

// Submit registers fn as work.
func (p *Pool) Submit(fn threads.Func, opts ...Option) (threads.Handle, error) {
	data := threads.InitData{Func: fn, InitialState: threads.StatePending}
	for _, o := range opts {
		o(&data)
	}
	return p.CreateWork(data)
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Index returns the pool index within its runtime.
func (p *Pool) Index() int { return p.cfg.Index }

// NumThreads returns the number of workers.
func (p *Pool) NumThreads() int { return len(p.workers) }

// ThreadOffset returns the first affinity entry used by the pool.
func (p *Pool) ThreadOffset() int { return p.cfg.ThreadOffset }

// ActiveThreads returns the workers that are not suspended.
func (p *Pool) ActiveThreads() int {
	return p.activeThreads()
}

func (p *Pool) activeThreads() int {
	n := 0
	for _, w := range p.workers {
		if w.suspendRequest() == nil {
			n++
		}
	}
	return n
}

// State returns the pool state.
func (p *Pool) State() State { return State(p.state.Load()) }

// WorkerState returns the state of worker i.
func (p *Pool) WorkerState(i int) State {
	if i < 0 || i >= len(p.workers) {
		return StateStopped
	}
	return State(p.workers[i].state.Load())
}

// Mask returns the affinity mask of worker i.
func (p *Pool) Mask(i int) topology.Mask {
	if i < 0 || i >= len(p.workers) {
		return topology.Mask{}
	}
	return p.workers[i].mask.Clone()
}

// PUNum returns the processing unit of worker i, -1 when unbound.
func (p *Pool) PUNum(i int) int {
	if i < 0 || i >= len(p.workers) {
		return -1
	}
	return p.workers[i].pu
}

// Scheduler returns the scheduler of the pool.
func (p *Pool) Scheduler() schedulers.Scheduler { return p.sched }

// ThreadCount counts tasks, see schedulers.Scheduler.ThreadCount.
func (p *Pool) ThreadCount(state threads.ScheduleState, prio threads.Priority, worker int) int {
	return p.sched.ThreadCount(state, prio, worker)
}

// QueueLength returns pending work of worker, -1 for all.
func (p *Pool) QueueLength(worker int) int { return p.sched.QueueLength(worker) }

// IsIdle reports whether no work is left.
func (p *Pool) IsIdle() bool {
	return p.sched.ThreadCount(threads.StateUnknown, threads.PriorityDefault, -1) == 0
}

// Wait blocks until the pool is idle. A task of this pool can not wait for
// its own pool.
func (p *Pool) Wait(ctx context.Context) error {
	if _, own := p.callerWorker(ctx); own {
		return api.Errorf(api.ErrCodeDeadlock, "task waits for its own pool %s to become idle", p.cfg.Name)
	}
	d := time.Microsecond
	for !p.IsIdle() {
		if err := threads.SleepFor(ctx, d); err != nil {
			return err
		}
		if d < p.cfg.PollInterval {
			d *= 2
		}
	}
	return nil
}
