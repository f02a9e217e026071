// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package threads

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/locks"
)

// Agent is whoever executes the current code: a task on a worker or a plain
// goroutine. Primitives suspend and resume agents without knowing which.
type Agent interface {
	AgentID() uint64
	Description() string
	// Suspend parks the agent until e (or, for a nil e, Resume) wakes it.
	Suspend(e *WaitEntry, desc string) RestartReason
	// Resume wakes a suspended agent. Each Suspend needs exactly one Resume.
	Resume(reason RestartReason)
	// Yield lets other work run.
	Yield(desc string) RestartReason
	Locks() *locks.Tracker
	Clock() clock.Clock
	// WorkerIndex returns the worker running the agent, -1 outside pools.
	WorkerIndex() int
}

var (
	_ Agent = (*Task)(nil)
	_ Agent = (*goroutineAgent)(nil)
)

// WaitEntry is one suspension. Every party able to end it (notifier, timer,
// cancellation, abort) must win Claim first, so an agent is woken exactly
// once per suspension.
type WaitEntry struct {
	agent   Agent
	claimed atomic.Bool
	// Data is free for the primitive that owns the entry.
	Data int64
}

// NewWaitEntry creates an unclaimed entry for a.
func NewWaitEntry(a Agent) *WaitEntry { return &WaitEntry{agent: a} }

// Agent returns the waiting agent.
func (e *WaitEntry) Agent() Agent { return e.agent }

// Claimed reports whether somebody already woke or is waking the entry.
func (e *WaitEntry) Claimed() bool { return e.claimed.Load() }

// Claim takes the right to wake the entry.
func (e *WaitEntry) Claim() bool { return e.claimed.CompareAndSwap(false, true) }

// Wake claims the entry and resumes its agent. It returns false when another
// party claimed it first.
func (e *WaitEntry) Wake(reason RestartReason) bool {
	if !e.Claim() {
		return false
	}
	e.agent.Resume(reason)
	return true
}

type agentKey struct{}
type clockKey struct{}

// WithAgent returns ctx carrying a.
func WithAgent(ctx context.Context, a Agent) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

// WithClock sets the clock used by goroutine agents created from ctx.
func WithClock(ctx context.Context, c clock.Clock) context.Context {
	return context.WithValue(ctx, clockKey{}, c)
}

// WithExternalAgent gives a plain goroutine a stable identity, so that
// ownership checks (mutex owner, lock tracking) work across calls.
func WithExternalAgent(ctx context.Context, reg *locks.Registry) context.Context {
	if _, ok := AgentOf(ctx); ok {
		return ctx
	}
	return WithAgent(ctx, newGoroutineAgent(ctx, reg))
}

// AgentOf returns the agent carried by ctx, if any.
func AgentOf(ctx context.Context) (Agent, bool) {
	if ctx == nil {
		return nil, false
	}
	a, ok := ctx.Value(agentKey{}).(Agent)
	return a, ok && a != nil
}

// AgentFromContext returns the agent carried by ctx or a fresh goroutine
// agent for the caller.
func AgentFromContext(ctx context.Context) Agent {
	if a, ok := AgentOf(ctx); ok {
		return a
	}
	return newGoroutineAgent(ctx, nil)
}

// Self returns the task running ctx, nil outside tasks.
func Self(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(agentKey{}).(*Task)
	return t
}

// SelfID returns the id of the task running ctx or InvalidID.
func SelfID(ctx context.Context) ID {
	if t := Self(ctx); t != nil {
		return t.ID()
	}
	return InvalidID
}

// CurrentWorker returns the worker index of the task running ctx, -1 outside
// tasks.
func CurrentWorker(ctx context.Context) int {
	if t := Self(ctx); t != nil {
		return t.LastWorker()
	}
	return -1
}

// goroutine agents use ids from the top half of the id space so they never
// collide with task ids.
var lastGoroutineAgent atomic.Uint64

const goroutineAgentBase = 1 << 63

// goroutineAgent blocks the calling goroutine instead of suspending a task.
// Resume may run before Suspend; the buffered channel keeps the wakeup.
type goroutineAgent struct {
	id     uint64
	wake   chan RestartReason
	clk    clock.Clock
	locks  *locks.Tracker
	waitOn atomic.Pointer[string]
}

func newGoroutineAgent(ctx context.Context, reg *locks.Registry) *goroutineAgent {
	clk := clock.New()
	if ctx != nil {
		if c, ok := ctx.Value(clockKey{}).(clock.Clock); ok && c != nil {
			clk = c
		}
	}
	a := &goroutineAgent{
		id:   goroutineAgentBase | lastGoroutineAgent.Add(1),
		wake: make(chan RestartReason, 1),
		clk:  clk,
	}
	if reg != nil {
		a.locks = reg.NewTracker()
	}
	return a
}

func (a *goroutineAgent) AgentID() uint64     { return a.id }
func (a *goroutineAgent) Description() string { return fmt.Sprintf("goroutine agent %d", a.id&^goroutineAgentBase) }

func (a *goroutineAgent) Suspend(_ *WaitEntry, desc string) RestartReason {
	if desc != "" {
		a.waitOn.Store(&desc)
	}
	r := <-a.wake
	a.waitOn.Store(nil)
	return r
}

func (a *goroutineAgent) Resume(reason RestartReason) {
	select {
	case a.wake <- reason:
	default:
		// A wakeup is already pending.
	}
}

func (a *goroutineAgent) Yield(string) RestartReason {
	runtime.Gosched()
	return RestartSignaled
}

func (a *goroutineAgent) Locks() *locks.Tracker { return a.locks }
func (a *goroutineAgent) Clock() clock.Clock    { return a.clk }
func (a *goroutineAgent) WorkerIndex() int      { return -1 }

// Yield gives up the worker running ctx to other pending work.
func Yield(ctx context.Context) {
	AgentFromContext(ctx).Yield("yield")
}

// SleepUntil suspends the caller until deadline. It returns a
// yield_aborted error when ctx ends first.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	a := AgentFromContext(ctx)
	d := deadline.Sub(a.Clock().Now())
	if d <= 0 {
		a.Yield("sleep")
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return api.Wrap(api.ErrCodeYieldAborted, err, "sleep aborted")
	}
	e := NewWaitEntry(a)
	timer := a.Clock().AfterFunc(d, func() { e.Wake(RestartTimeout) })
	stop := context.AfterFunc(ctx, func() { e.Wake(RestartAbort) })
	reason := a.Suspend(e, "sleep")
	timer.Stop()
	stop()
	if reason == RestartAbort {
		return api.Wrap(api.ErrCodeYieldAborted, context.Cause(ctx), "sleep aborted")
	}
	return nil
}

// SleepFor suspends the caller for d.
func SleepFor(ctx context.Context, d time.Duration) error {
	return SleepUntil(ctx, AgentFromContext(ctx).Clock().Now().Add(d))
}

// InterruptionPoint fails with thread_interrupted once the running task was
// interrupted and interruption is enabled.
func InterruptionPoint(ctx context.Context) error {
	t := Self(ctx)
	if t == nil || !t.InterruptionRequested() || t.noInterrupt.Load() > 0 {
		return nil
	}
	return api.Errorf(api.ErrCodeThreadInterrupted, "task %d interrupted", t.ID())
}
