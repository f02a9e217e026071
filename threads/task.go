// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package threads

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/coroutine"
	"github.com/momentics/hioload-rt/internal/assert"
	"github.com/momentics/hioload-rt/locks"
)

// ID identifies a task. Zero is never assigned.
type ID uint64

// InvalidID is the id of no task.
const InvalidID ID = 0

var lastID atomic.Uint64

// NextID hands out process unique task ids.
func NextID() ID { return ID(lastID.Add(1)) }

// Func is the body of a task.
type Func func(ctx context.Context) error

// InitData describes a task to create.
type InitData struct {
	Func         Func
	Description  string
	Priority     Priority
	StackSize    StackSize
	InitialState ScheduleState
	Hint         ScheduleHint
	// RunNow skips staging and makes the task runnable immediately.
	RunNow bool
	Parent ID
	// Context is the parent of the context handed to Func.
	Context context.Context

	done *completion
}

// Reserve fixes the id and completion of the thread d will create, so a
// handle exists before the task is materialized. Repeated calls return the
// same handle.
func (d *InitData) Reserve() Handle {
	if d.done == nil {
		d.done = newCompletion(NextID())
	}
	return Handle{c: d.done}
}

// Abandon completes the reserved handle of work that will never run.
func (d *InitData) Abandon(err error) {
	if d.done != nil {
		d.done.finish(err)
	}
}

// Validate checks the fields a scheduler relies on. requireDescription is set
// when diagnostics are enabled.
func (d *InitData) Validate(requireDescription bool) error {
	if d.Func == nil {
		return api.Errorf(api.ErrCodeBadParameter, "task function is nil")
	}
	if !ValidInitialState(d.InitialState) {
		return api.Errorf(api.ErrCodeBadParameter, "invalid initial state %s", d.InitialState).
			WithContext("description", d.Description)
	}
	if requireDescription && d.Description == "" {
		return api.Errorf(api.ErrCodeBadParameter, "task description is required when diagnostics are enabled")
	}
	return nil
}

// Owner is the scheduler side a task calls back into.
type Owner interface {
	// Reschedule queues a task that a wakeup made pending.
	Reschedule(t *Task)
	Clock() clock.Clock
	Locks() *locks.Registry
	Logger() *zap.Logger
}

// Yield tokens passed out of a task context.
const (
	yieldPending   = 1
	yieldSuspended = 2
)

// state word layout: state | reason<<8 | wake<<16 | tag<<32
const (
	wakeBit  = 1 << 16
	tagShift = 32
)

// StateTag is a decoded state word. Tag increases on every transition.
type StateTag struct {
	State  ScheduleState
	Reason RestartReason
	Tag    uint32
	wake   bool
}

func unpack(w uint64) StateTag {
	return StateTag{
		State:  ScheduleState(w & 0xff),
		Reason: RestartReason((w >> 8) & 0xff),
		Tag:    uint32(w >> tagShift),
		wake:   w&wakeBit != 0,
	}
}

func pack(s ScheduleState, r RestartReason, wake bool, tag uint32) uint64 {
	w := uint64(s) | uint64(r)<<8 | uint64(tag)<<tagShift
	if wake {
		w |= wakeBit
	}
	return w
}

func legalTransition(from, to ScheduleState) bool {
	switch from {
	case StatePending:
		return to == StateActive
	case StateActive:
		return to == StateSuspended || to == StatePending || to == StateTerminated
	case StateSuspended:
		return to == StatePending
	case StatePendingDoNotSchedule, StateStaged:
		return to == StatePending
	case StatePendingBoost:
		return to == StatePending || to == StateActive
	}
	return false
}

// Task is the descriptor of one logical thread.
type Task struct {
	id          ID
	state       atomic.Uint64
	priority    atomic.Uint32
	stackSize   StackSize
	description string
	parent      ID
	hint        ScheduleHint
	owner       Owner

	ctx   *coroutine.Context
	self  *coroutine.Self
	fn    Func
	goctx context.Context
	// cancel ends goctx; Interrupt and termination call it.
	cancel context.CancelFunc
	done   *completion

	waiting     atomic.Pointer[WaitEntry]
	waitingOn   atomic.Pointer[string]
	interrupted atomic.Bool
	noInterrupt atomic.Int32
	worker      atomic.Int32
	locks       *locks.Tracker

	exitMu    sync.Mutex
	exitFuncs []func()
	exited    bool

	// Marked is owned by the scheduler's deadlock scan.
	Marked bool
}

// NewTask builds a descriptor for data. Stackless tasks get no context.
func NewTask(data InitData, owner Owner, requireDescription bool) (*Task, error) {
	if err := data.Validate(requireDescription); err != nil {
		return nil, err
	}
	t := &Task{owner: owner}
	if data.StackSize != StackNone {
		c, err := coroutine.New(t.entry, stackBytes(data.StackSize))
		if err != nil {
			return nil, err
		}
		t.ctx = c
	}
	if reg := owner.Locks(); reg != nil {
		t.locks = reg.NewTracker()
	}
	t.bind(data)
	return t, nil
}

func stackBytes(s StackSize) int {
	if b := s.Bytes(); b > 0 {
		return b
	}
	return StackDefault.Bytes()
}

func (t *Task) bind(data InitData) {
	if data.done != nil {
		t.id, t.done = data.done.id, data.done
	} else {
		t.id = NextID()
		t.done = newCompletion(t.id)
	}
	t.fn = data.Func
	t.description = data.Description
	t.parent = data.Parent
	t.hint = data.Hint
	t.stackSize = data.StackSize
	prio := data.Priority
	if prio == PriorityDefault {
		prio = PriorityNormal
	}
	t.priority.Store(uint32(prio))
	parent := data.Context
	if parent == nil {
		parent = context.Background()
	}
	t.goctx, t.cancel = context.WithCancel(WithAgent(parent, t))
	t.interrupted.Store(false)
	t.noInterrupt.Store(0)
	t.worker.Store(-1)
	t.waitingOn.Store(nil)
	t.waiting.Store(nil)
	t.exitMu.Lock()
	t.exitFuncs = nil
	t.exited = false
	t.exitMu.Unlock()
	t.Marked = false
	tag := unpack(t.state.Load()).Tag
	t.state.Store(pack(data.InitialState, RestartSignaled, false, tag+1))
}

// Rebind resets a terminated descriptor to host a new logical thread and
// reuses its execution context.
func (t *Task) Rebind(data InitData, requireDescription bool) error {
	if err := data.Validate(requireDescription); err != nil {
		return err
	}
	if st := t.State(); st != StateTerminated {
		return api.Errorf(api.ErrCodeInvalidStatus, "task %d can not be rebound in state %s", t.id, st)
	}
	if (data.StackSize == StackNone) != (t.ctx == nil) {
		return api.Errorf(api.ErrCodeBadParameter, "stack class %s does not match recycled descriptor", data.StackSize)
	}
	if t.ctx != nil {
		if err := t.ctx.Rebind(t.entry); err != nil {
			return err
		}
	}
	t.locks.Reset()
	t.bind(data)
	return nil
}

// Destroy releases the execution context. The descriptor must be terminated.
func (t *Task) Destroy() {
	assert.That(t.State() == StateTerminated, "task %d destroyed in state %s", t.id, t.State())
	if t.ctx != nil {
		t.ctx.Destroy()
	}
}

// ID returns the task id.
func (t *Task) ID() ID { return t.id }

// Description returns the diagnostic description.
func (t *Task) Description() string { return t.description }

// Parent returns the id of the creating task.
func (t *Task) Parent() ID { return t.parent }

// Hint returns the placement hint the task was created with.
func (t *Task) Hint() ScheduleHint { return t.hint }

// Owner returns the scheduler that owns the task.
func (t *Task) Owner() Owner { return t.owner }

// Priority returns the current scheduling class.
func (t *Task) Priority() Priority { return Priority(t.priority.Load()) }

// SetPriority changes the scheduling class used for the next enqueue.
func (t *Task) SetPriority(p Priority) { t.priority.Store(uint32(p)) }

// StackSize returns the stack class.
func (t *Task) StackSize() StackSize { return t.stackSize }

// TimesReused counts how often the execution context was recycled.
func (t *Task) TimesReused() uint64 {
	if t.ctx == nil {
		return 0
	}
	return t.ctx.TimesReused()
}

// Handle returns a reference that observes completion of the current
// logical thread.
func (t *Task) Handle() Handle { return Handle{c: t.done} }

// State returns the current schedule state.
func (t *Task) State() ScheduleState { return unpack(t.state.Load()).State }

// StateTag returns the full state word.
func (t *Task) StateTag() StateTag { return unpack(t.state.Load()) }

// LastWorker returns the worker that ran the task last, -1 if none.
func (t *Task) LastWorker() int { return int(t.worker.Load()) }

// WaitingOn describes what a suspended task waits for.
func (t *Task) WaitingOn() string {
	if p := t.waitingOn.Load(); p != nil {
		return *p
	}
	return ""
}

// Locks returns the task's held-lock tracker.
func (t *Task) Locks() *locks.Tracker { return t.locks }

// Context returns the context handed to the task body.
func (t *Task) Context() context.Context { return t.goctx }

// SetState atomically moves the task to state and returns the previous state.
// prio other than PriorityDefault replaces the task priority. Transitions out
// of terminated and any other illegal transition panic.
func (t *Task) SetState(state ScheduleState, reason RestartReason, prio Priority) StateTag {
	for {
		old := t.state.Load()
		cur := unpack(old)
		assert.That(cur.State != StateTerminated, "task %d: transition %s -> %s out of terminated", t.id, cur.State, state)
		assert.That(legalTransition(cur.State, state), "task %d: illegal transition %s -> %s", t.id, cur.State, state)
		if t.state.CompareAndSwap(old, pack(state, reason, false, cur.Tag+1)) {
			if prio != PriorityDefault {
				t.SetPriority(prio)
			}
			return cur
		}
	}
}

// Wake makes a suspended task pending and reports whether the caller must
// enqueue it. A wakeup that overtakes a task still on its way into
// suspension is recorded and applied by CommitSuspend.
func (t *Task) Wake(reason RestartReason) bool {
	for {
		old := t.state.Load()
		cur := unpack(old)
		switch cur.State {
		case StateSuspended, StatePendingDoNotSchedule:
			if t.state.CompareAndSwap(old, pack(StatePending, reason, false, cur.Tag+1)) {
				return true
			}
		case StateActive:
			assert.That(!cur.wake, "task %d woken twice while active", t.id)
			if t.state.CompareAndSwap(old, pack(StateActive, reason, true, cur.Tag)) {
				return false
			}
		default:
			// Late wakeups of pending or finished tasks are dropped.
			return false
		}
	}
}

// CommitSuspend finishes a suspension requested by the running task. It
// returns true when a wakeup already arrived and the task is pending again.
func (t *Task) CommitSuspend() bool {
	for {
		old := t.state.Load()
		cur := unpack(old)
		assert.That(cur.State == StateActive, "task %d: suspend committed in state %s", t.id, cur.State)
		next := StateSuspended
		if cur.wake {
			next = StatePending
		}
		if t.state.CompareAndSwap(old, pack(next, cur.Reason, false, cur.Tag+1)) {
			return cur.wake
		}
	}
}

// activate moves a pending task to active and returns its restart reason.
func (t *Task) activate() (RestartReason, bool) {
	for {
		old := t.state.Load()
		cur := unpack(old)
		if cur.State != StatePending && cur.State != StatePendingBoost {
			return RestartUnknown, false
		}
		if t.state.CompareAndSwap(old, pack(StateActive, cur.Reason, false, cur.Tag+1)) {
			return cur.Reason, true
		}
	}
}

// Execute runs the task on worker until it yields, suspends or finishes,
// and returns the state the task ended up in. Only pending tasks run; any
// other state returns StateUnknown.
func (t *Task) Execute(worker int) ScheduleState {
	reason, ok := t.activate()
	if !ok {
		return StateUnknown
	}
	t.worker.Store(int32(worker))
	if t.ctx == nil {
		return t.executeInline(reason)
	}
	out, status := t.ctx.Resume(int(reason))
	if status.Exited() {
		t.terminate(t.ctx.Err())
		return StateTerminated
	}
	switch out {
	case yieldSuspended:
		if t.CommitSuspend() {
			return StatePending
		}
		return StateSuspended
	case yieldPending:
		t.SetState(StatePending, RestartSignaled, PriorityDefault)
		return StatePending
	}
	assert.Fail("task %d yielded unknown token %d", t.id, out)
	return StateUnknown
}

func (t *Task) executeInline(RestartReason) ScheduleState {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &coroutine.PanicError{Value: r}
			}
		}()
		defer t.runExitCallbacks()
		err = t.fn(t.goctx)
	}()
	t.terminate(err)
	return StateTerminated
}

func (t *Task) entry(self *coroutine.Self, in int) error {
	t.self = self
	defer t.runExitCallbacks()
	return t.fn(t.goctx)
}

func (t *Task) terminate(err error) {
	t.SetState(StateTerminated, RestartUnknown, PriorityDefault)
	t.cancel()
	t.done.finish(err)
}

// AddExitCallback registers fn to run when the task finishes, in reverse
// registration order. It returns false if the task already finished.
func (t *Task) AddExitCallback(fn func()) bool {
	t.exitMu.Lock()
	defer t.exitMu.Unlock()
	if t.exited {
		return false
	}
	t.exitFuncs = append(t.exitFuncs, fn)
	return true
}

func (t *Task) runExitCallbacks() {
	t.exitMu.Lock()
	t.exited = true
	fns := t.exitFuncs
	t.exitFuncs = nil
	t.exitMu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Interrupt requests interruption: the task's context is cancelled, so
// context aware waits abort, and the next InterruptionPoint fails.
func (t *Task) Interrupt() {
	t.interrupted.Store(true)
	if t.noInterrupt.Load() == 0 {
		t.cancel()
	}
}

// InterruptionRequested reports whether Interrupt was called.
func (t *Task) InterruptionRequested() bool { return t.interrupted.Load() }

// DisableInterruption defers interruption until the returned func is called.
func (t *Task) DisableInterruption() (restore func()) {
	t.noInterrupt.Add(1)
	return func() {
		if t.noInterrupt.Add(-1) == 0 && t.interrupted.Load() {
			t.cancel()
		}
	}
}

// Abort wakes the task with RestartAbort if it is suspended on a wait entry.
func (t *Task) Abort() bool {
	if e := t.waiting.Load(); e != nil {
		return e.Wake(RestartAbort)
	}
	return false
}

// agent implementation

// Suspend parks the task until e is woken or, with a nil entry, until
// Resume is called. Holding registered locks here is reported to the lock
// registry.
func (t *Task) Suspend(e *WaitEntry, desc string) RestartReason {
	if t.ctx == nil || t.self == nil {
		panic(api.Errorf(api.ErrCodeInvalidStatus, "stackless task %d can not suspend (%s)", t.id, desc))
	}
	_ = t.locks.VerifyNoLocks(t.String())
	if desc != "" {
		t.waitingOn.Store(&desc)
	}
	t.waiting.Store(e)
	in := t.self.Yield(yieldSuspended)
	t.waiting.Store(nil)
	t.waitingOn.Store(nil)
	return RestartReason(in)
}

// Yield gives the worker to other pending tasks.
func (t *Task) Yield(desc string) RestartReason {
	if t.ctx == nil || t.self == nil {
		return RestartSignaled
	}
	_ = t.locks.VerifyNoLocks(t.String())
	return RestartReason(t.self.Yield(yieldPending))
}

// Resume wakes the task and hands it back to its scheduler when needed.
func (t *Task) Resume(reason RestartReason) {
	if t.Wake(reason) {
		t.owner.Reschedule(t)
	}
}

// Clock returns the owner's clock.
func (t *Task) Clock() clock.Clock { return t.owner.Clock() }

// WorkerIndex returns the worker currently running the task.
func (t *Task) WorkerIndex() int { return t.LastWorker() }

// AgentID returns the task id.
func (t *Task) AgentID() uint64 { return uint64(t.id) }

func (t *Task) String() string {
	if t.description != "" {
		return fmt.Sprintf("task %d (%s)", t.id, t.description)
	}
	return fmt.Sprintf("task %d", t.id)
}
