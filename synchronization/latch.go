// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package synchronization

import (
	"context"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/internal/assert"
)

// Latch is a single use downward counter; waiters resume once it reaches
// zero.
type Latch struct {
	mtx      Spinlock
	cv       ConditionVariable
	counter  int64
	notified bool
}

// NewLatch returns a latch expecting count arrivals.
func NewLatch(count int64) *Latch {
	assert.Code(count >= 0, api.ErrCodeBadParameter, "latch: negative count %d", count)
	return &Latch{counter: count, notified: count == 0}
}

// CountDown decrements the counter by n. Decrementing below zero panics.
func (l *Latch) CountDown(n int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	assert.That(n >= 0 && n <= l.counter, "latch: count down by %d with %d remaining", n, l.counter)
	l.counter -= n
	if l.counter == 0 && !l.notified {
		l.notified = true
		l.cv.NotifyAll()
	}
}

// TryWait reports whether the counter reached zero.
func (l *Latch) TryWait() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.counter == 0
}

// IsReady is TryWait.
func (l *Latch) IsReady() bool { return l.TryWait() }

// Remaining returns the current count.
func (l *Latch) Remaining() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.counter
}

// Wait suspends the caller until the counter reaches zero.
func (l *Latch) Wait(ctx context.Context) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.waitLocked(ctx)
}

func (l *Latch) waitLocked(ctx context.Context) error {
	for l.counter > 0 {
		if err := waitErr(ctx, l.cv.Wait(ctx, &l.mtx, "latch"), "latch wait"); err != nil {
			return err
		}
	}
	return nil
}

// ArriveAndWait counts down by n and waits for the rest.
func (l *Latch) ArriveAndWait(ctx context.Context, n int64) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	assert.That(n >= 0 && n <= l.counter, "latch: count down by %d with %d remaining", n, l.counter)
	l.counter -= n
	if l.counter == 0 {
		if !l.notified {
			l.notified = true
			l.cv.NotifyAll()
		}
		return nil
	}
	return l.waitLocked(ctx)
}

// Close aborts all waiters.
func (l *Latch) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return closeWaiters(&l.cv, "latch")
}
