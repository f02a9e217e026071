// Package synchronization provides the task aware primitives of the
// runtime. Waiting suspends the calling task and frees its worker; callers
// outside tasks block their goroutine instead. Every wait takes a context
// whose cancellation aborts it with a yield_aborted error.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package synchronization

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Spinlock protects the short critical sections inside the primitives. It
// spins briefly, then yields the processor, then sleeps.
type Spinlock struct {
	state atomic.Bool
}

// TryLock acquires the lock if it is free.
func (l *Spinlock) TryLock() bool {
	return !l.state.Load() && l.state.CompareAndSwap(false, true)
}

// Lock acquires the lock.
func (l *Spinlock) Lock() {
	for k := 0; !l.TryLock(); k++ {
		spinBackoff(k)
	}
}

// Unlock releases the lock.
func (l *Spinlock) Unlock() {
	l.state.Store(false)
}

// IsLocked reports the lock state.
func (l *Spinlock) IsLocked() bool { return l.state.Load() }

func spinBackoff(k int) {
	switch {
	case k < 16:
		// busy
	case k < 32:
		runtime.Gosched()
	default:
		time.Sleep(time.Microsecond)
	}
}
