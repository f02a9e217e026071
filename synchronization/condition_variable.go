// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package synchronization

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/threads"
)

// ConditionVariable is a FIFO list of suspended agents. All methods require
// the caller to hold the Spinlock passed to Wait.
//
// Entries woken by timeout or cancellation stay in the list until a notify
// or a prune skips them.
type ConditionVariable struct {
	waiters *queue.Queue
}

// NewConditionVariable returns an empty condition variable.
func NewConditionVariable() *ConditionVariable {
	return &ConditionVariable{waiters: queue.New()}
}

func (cv *ConditionVariable) list() *queue.Queue {
	if cv.waiters == nil {
		cv.waiters = queue.New()
	}
	return cv.waiters
}

// Wait releases l, suspends the caller until notified and reacquires l.
func (cv *ConditionVariable) Wait(ctx context.Context, l *Spinlock, desc string) threads.RestartReason {
	return cv.wait(ctx, l, time.Time{}, desc)
}

// WaitUntil is Wait with a deadline; it returns RestartTimeout when the
// deadline passes first.
func (cv *ConditionVariable) WaitUntil(ctx context.Context, l *Spinlock, deadline time.Time, desc string) threads.RestartReason {
	return cv.wait(ctx, l, deadline, desc)
}

func (cv *ConditionVariable) wait(ctx context.Context, l *Spinlock, deadline time.Time, desc string) threads.RestartReason {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return threads.RestartAbort
	}
	a := threads.AgentFromContext(ctx)
	var d time.Duration
	if !deadline.IsZero() {
		if d = deadline.Sub(a.Clock().Now()); d <= 0 {
			return threads.RestartTimeout
		}
	}
	e := threads.NewWaitEntry(a)
	cv.list().Add(e)
	stop := context.AfterFunc(ctx, func() { e.Wake(threads.RestartAbort) })
	var timer *clock.Timer
	if d > 0 {
		timer = a.Clock().AfterFunc(d, func() { e.Wake(threads.RestartTimeout) })
	}
	l.Unlock()

	reason := a.Suspend(e, desc)
	stop()
	if timer != nil {
		timer.Stop()
	}

	l.Lock()
	if reason != threads.RestartSignaled {
		cv.prune()
	}
	return reason
}

// prune drops claimed entries, keeping the order of the live waiters.
func (cv *ConditionVariable) prune() {
	q := cv.list()
	for n := q.Length(); n > 0; n-- {
		e := q.Remove().(*threads.WaitEntry)
		if !e.Claimed() {
			q.Add(e)
		}
	}
}

// NotifyOne wakes the oldest waiter and reports whether there was one.
func (cv *ConditionVariable) NotifyOne() bool {
	q := cv.list()
	for q.Length() > 0 {
		e := q.Remove().(*threads.WaitEntry)
		if e.Wake(threads.RestartSignaled) {
			return true
		}
	}
	return false
}

// NotifyAll wakes every waiter and returns how many were woken.
func (cv *ConditionVariable) NotifyAll() int {
	return cv.wakeAll(threads.RestartSignaled)
}

// AbortAll wakes every waiter with RestartAbort.
func (cv *ConditionVariable) AbortAll() int {
	return cv.wakeAll(threads.RestartAbort)
}

func (cv *ConditionVariable) wakeAll(reason threads.RestartReason) int {
	q := cv.list()
	n := 0
	for q.Length() > 0 {
		if q.Remove().(*threads.WaitEntry).Wake(reason) {
			n++
		}
	}
	return n
}

// Size returns the number of waiters not yet woken.
func (cv *ConditionVariable) Size() int {
	q := cv.list()
	n := 0
	for i := 0; i < q.Length(); i++ {
		if !q.Get(i).(*threads.WaitEntry).Claimed() {
			n++
		}
	}
	return n
}

// Empty reports whether nobody waits.
func (cv *ConditionVariable) Empty() bool { return cv.Size() == 0 }

// waitErr maps the restart reason of an untimed wait to an error.
func waitErr(ctx context.Context, reason threads.RestartReason, what string) error {
	if reason != threads.RestartAbort {
		return nil
	}
	var cause error
	if ctx != nil {
		cause = context.Cause(ctx)
	}
	if cause == nil {
		cause = api.ErrInvalidStatus
	}
	return api.Wrap(api.ErrCodeYieldAborted, cause, what+" aborted")
}

// closeWaiters aborts all waiters of a primitive being closed.
func closeWaiters(cv *ConditionVariable, what string) error {
	if n := cv.AbortAll(); n > 0 {
		return api.Errorf(api.ErrCodeInvalidStatus, "%s closed with %d waiter(s)", what, n)
	}
	return nil
}
