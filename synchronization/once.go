// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package synchronization

import (
	"context"
	"sync/atomic"
)

// Once runs a function exactly once. Unlike sync.Once, concurrent callers
// suspend as tasks while the first one runs it.
type Once struct {
	done    atomic.Bool
	mtx     Spinlock
	cv      ConditionVariable
	running bool
}

// Do calls fn if no call has completed yet. Other callers wait for the
// running call. If fn panics, Once stays unfinished and the next caller
// retries.
func (o *Once) Do(ctx context.Context, fn func()) error {
	if o.done.Load() {
		return nil
	}
	o.mtx.Lock()
	for o.running {
		if err := waitErr(ctx, o.cv.Wait(ctx, &o.mtx, "once"), "once"); err != nil {
			o.mtx.Unlock()
			return err
		}
	}
	if o.done.Load() {
		o.mtx.Unlock()
		return nil
	}
	o.running = true
	o.mtx.Unlock()

	finished := false
	defer func() {
		o.mtx.Lock()
		o.running = false
		if finished {
			o.done.Store(true)
			o.cv.NotifyAll()
		} else {
			o.cv.NotifyOne()
		}
		o.mtx.Unlock()
	}()
	fn()
	finished = true
	return nil
}

// Done reports whether a call completed.
func (o *Once) Done() bool { return o.done.Load() }
