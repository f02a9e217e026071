// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package synchronization

import (
	"context"
	"time"

	"github.com/momentics/hioload-rt/internal/assert"
	"github.com/momentics/hioload-rt/threads"
)

// CountingSemaphore holds a number of permits.
type CountingSemaphore struct {
	mtx   Spinlock
	cv    ConditionVariable
	value int64
}

// NewCountingSemaphore returns a semaphore with value permits.
func NewCountingSemaphore(value int64) *CountingSemaphore {
	return &CountingSemaphore{value: value}
}

// Wait suspends the caller until n permits are available and takes them.
func (s *CountingSemaphore) Wait(ctx context.Context, n int64) error {
	_, err := s.waitUntil(ctx, time.Time{}, n)
	return err
}

// WaitUntil is Wait bounded by deadline; it returns false on timeout.
func (s *CountingSemaphore) WaitUntil(ctx context.Context, deadline time.Time, n int64) (bool, error) {
	return s.waitUntil(ctx, deadline, n)
}

// WaitFor is Wait bounded by d.
func (s *CountingSemaphore) WaitFor(ctx context.Context, d time.Duration, n int64) (bool, error) {
	return s.waitUntil(ctx, threads.AgentFromContext(ctx).Clock().Now().Add(d), n)
}

func (s *CountingSemaphore) waitUntil(ctx context.Context, deadline time.Time, n int64) (bool, error) {
	assert.That(n >= 0, "semaphore: negative wait count %d", n)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for s.value < n {
		var reason threads.RestartReason
		if deadline.IsZero() {
			reason = s.cv.Wait(ctx, &s.mtx, "counting semaphore")
		} else {
			reason = s.cv.WaitUntil(ctx, &s.mtx, deadline, "counting semaphore")
		}
		if reason == threads.RestartTimeout {
			return false, nil
		}
		if err := waitErr(ctx, reason, "semaphore wait"); err != nil {
			return false, err
		}
	}
	s.value -= n
	return true, nil
}

// TryWait takes n permits if available.
func (s *CountingSemaphore) TryWait(n int64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.value < n {
		return false
	}
	s.value -= n
	return true
}

// TryAcquire takes one permit if available.
func (s *CountingSemaphore) TryAcquire() bool { return s.TryWait(1) }

// Signal returns n permits and wakes up to n waiters, oldest first. The
// internal lock is released between wakeups so each woken waiter sees
// a consistent count.
func (s *CountingSemaphore) Signal(n int64) {
	assert.That(n >= 0, "semaphore: negative signal count %d", n)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.value += n
	for i := int64(0); i < n; i++ {
		if !s.cv.NotifyOne() {
			break
		}
		s.mtx.Unlock()
		s.mtx.Lock()
	}
}

// SignalAll returns one permit per waiter and wakes them all. It returns
// the number of permits added.
func (s *CountingSemaphore) SignalAll() int64 {
	s.mtx.Lock()
	n := int64(s.cv.Size())
	s.mtx.Unlock()
	s.Signal(n)
	return n
}

// Value returns the available permits.
func (s *CountingSemaphore) Value() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.value
}

// Close aborts all waiters.
func (s *CountingSemaphore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return closeWaiters(&s.cv, "counting semaphore")
}

// SlidingSemaphore bounds how far an upper counter may run ahead of a
// lower one, throttling producers against consumers.
type SlidingSemaphore struct {
	mtx     Spinlock
	cv      ConditionVariable
	maxDiff int64
	lower   int64
}

// NewSlidingSemaphore allows uppers up to lower+maxDiff.
func NewSlidingSemaphore(maxDiff, lower int64) *SlidingSemaphore {
	return &SlidingSemaphore{maxDiff: maxDiff, lower: lower}
}

// SetMaxDifference changes the window and the lower limit.
func (s *SlidingSemaphore) SetMaxDifference(maxDiff, lower int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.maxDiff = maxDiff
	s.lower = lower
	s.cv.NotifyAll()
}

// Wait suspends the caller until upper is within the window.
func (s *SlidingSemaphore) Wait(ctx context.Context, upper int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for upper-s.maxDiff > s.lower {
		if err := waitErr(ctx, s.cv.Wait(ctx, &s.mtx, "sliding semaphore"), "sliding semaphore wait"); err != nil {
			return err
		}
	}
	return nil
}

// TryWait reports whether upper is within the window.
func (s *SlidingSemaphore) TryWait(upper int64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return upper-s.maxDiff <= s.lower
}

// Signal raises the lower limit and wakes the waiters, one at a time.
func (s *SlidingSemaphore) Signal(lower int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if lower > s.lower {
		s.lower = lower
	}
	for n := s.cv.Size(); n > 0 && s.cv.NotifyOne(); n-- {
		s.mtx.Unlock()
		s.mtx.Lock()
	}
}

// SignalAll releases every waiter by lifting the lower limit.
func (s *SlidingSemaphore) SignalAll() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.lower = int64(^uint64(0) >> 1)
	s.cv.NotifyAll()
}

// Lower returns the lower limit.
func (s *SlidingSemaphore) Lower() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lower
}

// Close aborts all waiters.
func (s *SlidingSemaphore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return closeWaiters(&s.cv, "sliding semaphore")
}
