// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package schedulers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/internal/concurrency"
	"github.com/momentics/hioload-rt/locks"
	"github.com/momentics/hioload-rt/pool"
	"github.com/momentics/hioload-rt/threads"
)

// Scheduler is the queueing policy of one thread pool.
type Scheduler interface {
	threads.Owner

	Name() string
	Policy() Policy
	Init(w Workers) error
	NumWorkers() int
	// SetNotifier installs the callback that wakes an idle worker.
	SetNotifier(fn func(worker int))

	CreateThread(data threads.InitData) (threads.Handle, error)
	Enqueue(t *threads.Task, prio threads.Priority, hint threads.ScheduleHint)
	// EnqueueLast queues t behind the work its worker would pick first.
	EnqueueLast(t *threads.Task, prio threads.Priority, hint threads.ScheduleHint)
	Dequeue(worker int) (*threads.Task, bool)
	// WaitOrAddNew turns staged work into tasks and reports whether the
	// worker may exit: the pool is no longer running and nothing is left.
	WaitOrAddNew(worker int, running bool) (terminate bool)
	Destroy(t *threads.Task)
	CleanupTerminated(all bool) bool

	Mode() Mode
	SetMode(m Mode) error
	AddMode(m Mode) error
	RemoveMode(m Mode) error

	QueueLength(worker int) int
	ThreadCount(state threads.ScheduleState, prio threads.Priority, worker int) int
	EnumerateThreads(state threads.ScheduleState, fn func(*threads.Task) bool)
	AbortAllSuspended() int
	SetWorkerActive(worker int, active bool)
	DeadlockCheck(worker int) bool
	// WorkerStolen returns how many tasks worker took from other queues.
	WorkerStolen(worker int) uint64
	Stats() Stats
}

// Workers describes the workers a scheduler serves.
type Workers struct {
	Count int
	// NUMA is the domain of each worker; nil puts all in domain 0.
	NUMA []int
}

// WorkerStats are the counters of one worker.
type WorkerStats struct {
	Executed  uint64
	Stolen    uint64
	IdleLoops uint64
	Queued    int
	Active    bool
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Created    uint64
	Recycled   uint64
	Destroyed  uint64
	Staged     int
	Live       int
	Terminated int
	Workers    []WorkerStats
}

type workerSlot struct {
	_         cpu.CacheLinePad
	executed  atomic.Uint64
	stolen    atomic.Uint64
	idleLoops atomic.Uint64
	active    atomic.Bool
	numa      int
	set       int
	_         cpu.CacheLinePad
}

// QueueScheduler implements every Policy.
type QueueScheduler struct {
	cfg    Config
	traits traits
	mode   atomic.Uint32
	logger *zap.Logger

	workers []workerSlot
	sets    []*queueSet
	rr      atomic.Uint64
	notify  atomic.Pointer[func(int)]

	mu      sync.Mutex
	threads map[threads.ID]*threads.Task

	terminated *concurrency.Queue[*threads.Task]
	freeLists  map[threads.StackSize]*pool.FreeList[*threads.Task]

	created   atomic.Uint64
	recycled  atomic.Uint64
	destroyed atomic.Uint64

	deadlockReported atomic.Bool
}

var _ Scheduler = (*QueueScheduler)(nil)

// New builds the scheduler selected by cfg.Policy.
func New(cfg Config) (*QueueScheduler, error) {
	if cfg.Policy >= PolicyUser {
		return nil, api.Errorf(api.ErrCodeBadParameter, "policy %s has no built-in scheduler", cfg.Policy)
	}
	cfg.normalize()
	s := &QueueScheduler{
		cfg:        cfg,
		traits:     traitsOf(cfg.Policy),
		logger:     cfg.Logger.Named("scheduler").With(zap.String("scheduler", cfg.Name)),
		threads:    make(map[threads.ID]*threads.Task),
		terminated: concurrency.NewQueue[*threads.Task](cfg.TerminatedQueueSize),
		freeLists:  make(map[threads.StackSize]*pool.FreeList[*threads.Task]),
	}
	mode := cfg.Mode
	if !s.traits.stealing {
		mode &^= stealingFlags
	}
	if err := s.SetMode(mode); err != nil {
		return nil, err
	}
	for _, class := range []threads.StackSize{threads.StackSmall, threads.StackMedium,
		threads.StackLarge, threads.StackHuge, threads.StackNone} {
		s.freeLists[class] = pool.NewFreeList(cfg.MaxTerminatedThreads, s.release)
	}
	return s, nil
}

func newWithPolicy(p Policy, cfg Config) (*QueueScheduler, error) {
	cfg.Policy = p
	return New(cfg)
}

// NewLocal returns a scheduler with one FIFO queue per worker and stealing.
func NewLocal(cfg Config) (*QueueScheduler, error) { return newWithPolicy(PolicyLocal, cfg) }

// NewLocalPriorityFIFO returns per-worker priority queues served FIFO.
func NewLocalPriorityFIFO(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicyLocalPriorityFIFO, cfg)
}

// NewLocalPriorityLIFO returns per-worker priority queues served LIFO.
func NewLocalPriorityLIFO(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicyLocalPriorityLIFO, cfg)
}

// NewABPPriorityFIFO returns priority queues where owners pop the oldest and
// thieves steal the newest work.
func NewABPPriorityFIFO(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicyABPPriorityFIFO, cfg)
}

// NewABPPriorityLIFO returns priority queues where owners pop the newest and
// thieves steal the oldest work.
func NewABPPriorityLIFO(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicyABPPriorityLIFO, cfg)
}

// NewStatic returns per-worker queues without stealing.
func NewStatic(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicyStatic, cfg)
}

// NewStaticPriority returns per-worker priority queues without stealing.
func NewStaticPriority(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicyStaticPriority, cfg)
}

// NewSharedPriority returns priority queues shared by the workers of each
// NUMA domain.
func NewSharedPriority(cfg Config) (*QueueScheduler, error) {
	return newWithPolicy(PolicySharedPriority, cfg)
}

// Name returns the configured name.
func (s *QueueScheduler) Name() string { return s.cfg.Name }

// Policy returns the variant.
func (s *QueueScheduler) Policy() Policy { return s.cfg.Policy }

// Clock implements threads.Owner.
func (s *QueueScheduler) Clock() clock.Clock { return s.cfg.Clock }

// Locks implements threads.Owner.
func (s *QueueScheduler) Locks() *locks.Registry { return s.cfg.Locks }

// Logger implements threads.Owner.
func (s *QueueScheduler) Logger() *zap.Logger { return s.logger }

// Init sizes the worker slots and queue sets. Queued work is dropped, so it
// runs before any work is created.
func (s *QueueScheduler) Init(w Workers) error {
	if w.Count <= 0 {
		return api.Errorf(api.ErrCodeBadParameter, "scheduler %s needs at least one worker", s.cfg.Name)
	}
	if w.NUMA != nil && len(w.NUMA) != w.Count {
		return api.Errorf(api.ErrCodeBadParameter, "numa map has %d entries for %d workers", len(w.NUMA), w.Count)
	}
	s.workers = make([]workerSlot, w.Count)
	s.sets = s.sets[:0]
	domainSet := map[int]int{}
	for i := range s.workers {
		numa := 0
		if w.NUMA != nil {
			numa = w.NUMA[i]
		}
		slot := &s.workers[i]
		slot.numa = numa
		slot.active.Store(true)
		if s.traits.shared {
			idx, ok := domainSet[numa]
			if !ok {
				idx = len(s.sets)
				domainSet[numa] = idx
				s.sets = append(s.sets, newQueueSet(numa, s.traits.discipline))
			}
			slot.set = idx
			continue
		}
		slot.set = len(s.sets)
		s.sets = append(s.sets, newQueueSet(numa, s.traits.discipline))
	}
	s.logger.Debug("scheduler initialized",
		zap.Int("workers", w.Count),
		zap.Int("queue_sets", len(s.sets)),
		zap.Stringer("mode", s.Mode()))
	return nil
}

// NumWorkers returns the number of worker slots.
func (s *QueueScheduler) NumWorkers() int { return len(s.workers) }

// SetNotifier installs the idle worker wakeup.
func (s *QueueScheduler) SetNotifier(fn func(worker int)) {
	if fn == nil {
		s.notify.Store(nil)
		return
	}
	s.notify.Store(&fn)
}

func (s *QueueScheduler) wake(worker int) {
	if fn := s.notify.Load(); fn != nil {
		(*fn)(worker)
	}
}

// Mode returns the current policy bits.
func (s *QueueScheduler) Mode() Mode { return Mode(s.mode.Load()) }

// SetMode replaces the policy bits. Variants without stealing reject
// stealing bits and keep their mode.
func (s *QueueScheduler) SetMode(m Mode) error {
	if err := s.checkMode(m); err != nil {
		return err
	}
	s.mode.Store(uint32(m))
	return nil
}

// AddMode sets bits in addition to the current mode.
func (s *QueueScheduler) AddMode(m Mode) error {
	for {
		old := s.mode.Load()
		next := Mode(old) | m
		if err := s.checkMode(next); err != nil {
			return err
		}
		if s.mode.CompareAndSwap(old, uint32(next)) {
			return nil
		}
	}
}

// RemoveMode clears bits.
func (s *QueueScheduler) RemoveMode(m Mode) error {
	for {
		old := s.mode.Load()
		if s.mode.CompareAndSwap(old, uint32(Mode(old)&^m)) {
			return nil
		}
	}
}

func (s *QueueScheduler) checkMode(m Mode) error {
	if m&^AllFlags != 0 {
		return api.Errorf(api.ErrCodeBadParameter, "unknown scheduler mode bits %#x", uint32(m&^AllFlags))
	}
	if !s.traits.stealing && m&stealingFlags != 0 {
		return api.Errorf(api.ErrCodeBadParameter, "scheduler %s does not support %s", s.cfg.Policy, m&stealingFlags)
	}
	return nil
}

func (s *QueueScheduler) stealing(m Mode) bool {
	return s.traits.stealing && m.Has(EnableStealing)
}

// ownWorker returns the worker of the task running ctx when that task
// belongs to this scheduler.
func (s *QueueScheduler) ownWorker(ctx context.Context) int {
	if ctx == nil {
		return -1
	}
	t := threads.Self(ctx)
	if t == nil || t.Owner() != threads.Owner(s) {
		return -1
	}
	if w := t.LastWorker(); w >= 0 && w < len(s.workers) {
		return w
	}
	return -1
}

func (s *QueueScheduler) roundRobin() int {
	n := len(s.workers)
	start := int(s.rr.Add(1) % uint64(n))
	for i := 0; i < n; i++ {
		w := (start + i) % n
		if s.workers[w].active.Load() {
			return w
		}
	}
	return start
}

// placement resolves a hint to a worker index.
func (s *QueueScheduler) placement(hint threads.ScheduleHint, ctx context.Context) int {
	n := len(s.workers)
	switch hint.Mode {
	case threads.HintThread:
		if hint.Value >= 0 {
			return hint.Value % n
		}
	case threads.HintNUMA:
		start := int(s.rr.Add(1) % uint64(n))
		for i := 0; i < n; i++ {
			w := (start + i) % n
			if s.workers[w].numa == hint.Value && s.workers[w].active.Load() {
				return w
			}
		}
	}
	mode := s.Mode()
	if mode.Has(AssignWorkThreadParent) || !mode.Has(AssignWorkRoundRobin) {
		if w := s.ownWorker(ctx); w >= 0 {
			return w
		}
	}
	return s.roundRobin()
}

// CreateThread registers new work. High priority, boosted and RunNow work
// becomes a task right away; other pending work is staged until a worker
// asks for it.
func (s *QueueScheduler) CreateThread(data threads.InitData) (threads.Handle, error) {
	if len(s.workers) == 0 {
		return threads.Handle{}, api.Errorf(api.ErrCodeInvalidStatus, "scheduler %s is not initialized", s.cfg.Name)
	}
	if data.InitialState == threads.StateUnknown {
		data.InitialState = threads.StatePending
	}
	parent := threads.Self(data.Context)
	if data.Parent == threads.InvalidID && parent != nil {
		data.Parent = parent.ID()
	}
	if data.Priority == threads.PriorityDefault {
		data.Priority = threads.PriorityNormal
		if parent != nil && parent.Priority() == threads.PriorityHighRecursive {
			data.Priority = threads.PriorityHighRecursive
		}
	}
	if data.StackSize == threads.StackCurrent {
		data.StackSize = threads.StackDefault
		if parent != nil {
			data.StackSize = parent.StackSize()
		}
	}
	if err := data.Validate(s.cfg.RequireDescription); err != nil {
		return threads.Handle{}, err
	}
	h := data.Reserve()
	worker := s.placement(data.Hint, data.Context)

	if data.InitialState == threads.StatePending && !data.RunNow && !data.Priority.IsHigh() {
		s.sets[s.workers[worker].set].stage(stagedItem{data: data, worker: worker})
		s.wake(worker)
		return h, nil
	}
	if data.Priority == threads.PriorityBoost && data.InitialState == threads.StatePending {
		data.InitialState = threads.StatePendingBoost
	}
	t, err := s.materialize(data)
	if err != nil {
		data.Abandon(err)
		return threads.Handle{}, err
	}
	switch t.State() {
	case threads.StatePending, threads.StatePendingBoost:
		s.Enqueue(t, data.Priority, threads.ThreadHint(worker))
	}
	return h, nil
}

func normalClass(c threads.StackSize) threads.StackSize {
	if c == threads.StackDefault || c == threads.StackCurrent {
		return threads.StackMedium
	}
	return c
}

// materialize binds data to a recycled descriptor or a new one.
func (s *QueueScheduler) materialize(data threads.InitData) (*threads.Task, error) {
	var t *threads.Task
	if fl := s.freeLists[normalClass(data.StackSize)]; fl != nil {
		if old, ok := fl.Get(); ok {
			if err := old.Rebind(data, s.cfg.RequireDescription); err == nil {
				t = old
				s.recycled.Add(1)
			} else {
				s.release(old)
			}
		}
	}
	if t == nil {
		nt, err := threads.NewTask(data, s, s.cfg.RequireDescription)
		if err != nil {
			return nil, err
		}
		t = nt
		s.created.Add(1)
	}
	s.mu.Lock()
	s.threads[t.ID()] = t
	s.mu.Unlock()
	s.deadlockReported.Store(false)
	return t, nil
}

func (s *QueueScheduler) release(t *threads.Task) {
	t.Destroy()
	s.destroyed.Add(1)
}

// Enqueue queues a pending task on the worker selected by hint.
func (s *QueueScheduler) Enqueue(t *threads.Task, prio threads.Priority, hint threads.ScheduleHint) {
	s.enqueue(t, prio, hint, false)
}

// EnqueueLast queues a pending task behind the work its worker picks first.
func (s *QueueScheduler) EnqueueLast(t *threads.Task, prio threads.Priority, hint threads.ScheduleHint) {
	s.enqueue(t, prio, hint, true)
}

func (s *QueueScheduler) enqueue(t *threads.Task, prio threads.Priority, hint threads.ScheduleHint, last bool) {
	if prio == threads.PriorityDefault {
		prio = t.Priority()
	}
	worker := s.placement(hint, nil)
	qs := s.sets[s.workers[worker].set]
	qs.queueFor(prio, s.traits.priorities).push(t, last)
	s.wake(worker)
}

// Reschedule implements threads.Owner: a woken task goes back to the worker
// it last ran on unless that worker is suspended.
func (s *QueueScheduler) Reschedule(t *threads.Task) {
	hint := t.Hint()
	if w := t.LastWorker(); w >= 0 && w < len(s.workers) && s.workers[w].active.Load() {
		if hint.Mode != threads.HintThread {
			hint = threads.ThreadHint(w)
		}
	}
	s.Enqueue(t, t.Priority(), hint)
}

// Dequeue picks the next task for worker.
func (s *QueueScheduler) Dequeue(worker int) (*threads.Task, bool) {
	slot := &s.workers[worker]
	qs := s.sets[slot.set]
	mode := s.Mode()
	stealing := s.stealing(mode)

	if t, ok := qs.high.pop(); ok {
		return s.took(slot, t, false), true
	}
	if stealing && mode.Has(StealHighPriorityFirst) {
		if t, ok := s.steal(worker, mode, func(o *queueSet) *workQueue { return &o.high }); ok {
			return s.took(slot, t, true), true
		}
	}
	if t, ok := qs.normal.pop(); ok {
		return s.took(slot, t, false), true
	}
	if t, ok := qs.bound.pop(); ok {
		return s.took(slot, t, false), true
	}
	if stealing && !mode.Has(StealAfterLocal) {
		if t, ok := s.steal(worker, mode, func(o *queueSet) *workQueue { return &o.normal }); ok {
			return s.took(slot, t, true), true
		}
	}
	if t, ok := qs.low.pop(); ok {
		return s.took(slot, t, false), true
	}
	if stealing {
		for _, sel := range []func(*queueSet) *workQueue{
			func(o *queueSet) *workQueue { return &o.high },
			func(o *queueSet) *workQueue { return &o.normal },
			func(o *queueSet) *workQueue { return &o.low },
		} {
			if t, ok := s.steal(worker, mode, sel); ok {
				return s.took(slot, t, true), true
			}
		}
	}
	return nil, false
}

func (s *QueueScheduler) took(slot *workerSlot, t *threads.Task, stolen bool) *threads.Task {
	slot.executed.Add(1)
	if stolen {
		slot.stolen.Add(1)
	}
	if t.Priority() == threads.PriorityBoost {
		t.SetPriority(threads.PriorityNormal)
	}
	return t
}

// victims visits the other queue sets the worker may take work from.
func (s *QueueScheduler) victims(worker int, mode Mode, fn func(*queueSet) bool) bool {
	own := s.workers[worker].set
	numa := s.workers[worker].numa
	n := len(s.sets)
	for i := 1; i < n; i++ {
		idx := (own + i) % n
		qs := s.sets[idx]
		if qs.numa != numa && !mode.Has(EnableStealingNUMA) {
			continue
		}
		if fn(qs) {
			return true
		}
	}
	return false
}

func (s *QueueScheduler) steal(worker int, mode Mode, sel func(*queueSet) *workQueue) (*threads.Task, bool) {
	var got *threads.Task
	found := s.victims(worker, mode, func(qs *queueSet) bool {
		if t, ok := sel(qs).steal(); ok {
			got = t
			return true
		}
		return false
	})
	return got, found
}

// WaitOrAddNew materializes staged work for worker, recycles terminated
// descriptors and runs the periodic deadlock scan.
func (s *QueueScheduler) WaitOrAddNew(worker int, running bool) bool {
	slot := &s.workers[worker]
	mode := s.Mode()
	added := s.addNew(s.sets[slot.set], s.cfg.MaxAddNewCount)
	if added == 0 && s.stealing(mode) {
		s.victims(worker, mode, func(qs *queueSet) bool {
			added = s.addNew(qs, s.cfg.MaxAddNewCount)
			return added > 0
		})
	}
	s.CleanupTerminated(false)
	if added > 0 {
		return false
	}

	idle := slot.idleLoops.Add(1)
	if s.cfg.DeadlockDetection && idle%uint64(s.cfg.DeadlockIdleLoops) == 0 {
		s.DeadlockCheck(worker)
	}
	if running {
		return false
	}
	return s.ThreadCount(threads.StateUnknown, threads.PriorityDefault, -1) == 0
}

func (s *QueueScheduler) addNew(qs *queueSet, max int) int {
	items := qs.unstage(max)
	for _, it := range items {
		t, err := s.materialize(it.data)
		if err != nil {
			s.logger.Error("failed to materialize staged work",
				zap.String("description", it.data.Description), zap.Error(err))
			it.data.Abandon(err)
			continue
		}
		s.Enqueue(t, it.data.Priority, threads.ThreadHint(it.worker))
	}
	return len(items)
}

// Destroy queues a terminated task for cleanup.
func (s *QueueScheduler) Destroy(t *threads.Task) {
	if !s.terminated.Enqueue(t) {
		s.recycle(t, false)
	}
}

func (s *QueueScheduler) recycle(t *threads.Task, destroy bool) {
	s.mu.Lock()
	if cur, ok := s.threads[t.ID()]; ok && cur == t {
		delete(s.threads, t.ID())
	}
	s.mu.Unlock()
	if destroy {
		s.release(t)
		return
	}
	fl := s.freeLists[normalClass(t.StackSize())]
	if fl == nil {
		s.release(t)
		return
	}
	fl.Put(t)
}

// CleanupTerminated recycles queued terminated descriptors, or destroys them
// and every free list when all is set. It reports whether the terminated
// queue is empty.
func (s *QueueScheduler) CleanupTerminated(all bool) bool {
	for {
		t, ok := s.terminated.Dequeue()
		if !ok {
			break
		}
		s.recycle(t, all)
	}
	if all {
		for _, fl := range s.freeLists {
			fl.Drain()
		}
	}
	return s.terminated.Len() == 0
}

// QueueLength returns the pending work visible to worker, -1 for all.
func (s *QueueScheduler) QueueLength(worker int) int {
	if worker >= 0 {
		return s.sets[s.workers[worker].set].pending()
	}
	n := 0
	for _, qs := range s.sets {
		n += qs.pending()
	}
	return n
}

func (s *QueueScheduler) staged() int {
	n := 0
	for _, qs := range s.sets {
		n += qs.stagedLen()
	}
	return n
}

// ThreadCount counts live tasks. StateUnknown matches every state but
// terminated and includes staged work; PriorityDefault matches every
// priority; worker -1 matches every worker.
func (s *QueueScheduler) ThreadCount(state threads.ScheduleState, prio threads.Priority, worker int) int {
	if state == threads.StateStaged {
		if worker >= 0 {
			return s.sets[s.workers[worker].set].stagedLen()
		}
		return s.staged()
	}
	n := 0
	if state == threads.StateUnknown && prio == threads.PriorityDefault {
		if worker >= 0 {
			n = s.sets[s.workers[worker].set].stagedLen()
		} else {
			n = s.staged()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		st := t.State()
		if state == threads.StateUnknown && st == threads.StateTerminated {
			continue
		}
		if state != threads.StateUnknown && st != state {
			continue
		}
		if prio != threads.PriorityDefault && t.Priority() != prio {
			continue
		}
		if worker >= 0 && t.LastWorker() != worker {
			continue
		}
		n++
	}
	return n
}

// EnumerateThreads calls fn for each live task in state, StateUnknown for
// all, until fn returns false.
func (s *QueueScheduler) EnumerateThreads(state threads.ScheduleState, fn func(*threads.Task) bool) {
	s.mu.Lock()
	snapshot := make([]*threads.Task, 0, len(s.threads))
	for _, t := range s.threads {
		if state == threads.StateUnknown || t.State() == state {
			snapshot = append(snapshot, t)
		}
	}
	s.mu.Unlock()
	for _, t := range snapshot {
		if !fn(t) {
			return
		}
	}
}

// AbortAllSuspended wakes every suspended task with RestartAbort.
func (s *QueueScheduler) AbortAllSuspended() int {
	n := 0
	s.EnumerateThreads(threads.StateSuspended, func(t *threads.Task) bool {
		if t.Abort() {
			n++
		}
		return true
	})
	if n > 0 {
		s.logger.Warn("aborted suspended tasks", zap.Int("count", n))
	}
	return n
}

// SetWorkerActive marks a worker as suspended or running. New work is not
// placed on inactive workers unless hinted there.
func (s *QueueScheduler) SetWorkerActive(worker int, active bool) {
	s.workers[worker].active.Store(active)
}

// DeadlockCheck logs the suspended tasks when nothing is runnable any more.
// It is advisory and reports whether a deadlock is suspected.
func (s *QueueScheduler) DeadlockCheck(worker int) bool {
	if s.staged() > 0 || s.QueueLength(-1) > 0 {
		return false
	}
	var suspended []*threads.Task
	blocked := true
	s.EnumerateThreads(threads.StateUnknown, func(t *threads.Task) bool {
		switch t.State() {
		case threads.StateActive, threads.StatePending, threads.StatePendingBoost:
			blocked = false
			return false
		case threads.StateSuspended:
			if t.WaitingOn() == "sleep" {
				blocked = false
				return false
			}
			suspended = append(suspended, t)
		}
		return true
	})
	if !blocked || len(suspended) == 0 {
		return false
	}
	if s.deadlockReported.Swap(true) {
		return true
	}
	s.logger.Warn("possible deadlock: no runnable tasks left",
		zap.Int("worker", worker), zap.Int("suspended", len(suspended)))
	for _, t := range suspended {
		s.logger.Warn("suspended task",
			zap.Uint64("task", uint64(t.ID())),
			zap.String("description", t.Description()),
			zap.String("waiting_on", t.WaitingOn()),
			zap.Int("last_worker", t.LastWorker()))
	}
	return true
}

// WorkerStolen returns the steal counter of worker.
func (s *QueueScheduler) WorkerStolen(worker int) uint64 {
	return s.workers[worker].stolen.Load()
}

// Stats returns a snapshot of the counters.
func (s *QueueScheduler) Stats() Stats {
	st := Stats{
		Created:    s.created.Load(),
		Recycled:   s.recycled.Load(),
		Destroyed:  s.destroyed.Load(),
		Staged:     s.staged(),
		Terminated: s.terminated.Len(),
		Workers:    make([]WorkerStats, len(s.workers)),
	}
	s.mu.Lock()
	for _, t := range s.threads {
		if t.State() != threads.StateTerminated {
			st.Live++
		}
	}
	s.mu.Unlock()
	for i := range s.workers {
		w := &s.workers[i]
		st.Workers[i] = WorkerStats{
			Executed:  w.executed.Load(),
			Stolen:    w.stolen.Load(),
			IdleLoops: w.idleLoops.Load(),
			Queued:    s.sets[w.set].pending(),
			Active:    w.active.Load(),
		}
	}
	return st
}
