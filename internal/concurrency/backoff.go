// File: internal/concurrency/backoff.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Adaptive idle backoff for worker loops: spin first, then yield, then park.

package concurrency

import (
	"runtime"
	"time"
)

// Backoff tracks consecutive idle rounds of one worker.
type Backoff struct {
	// MaxIdle caps the park duration.
	MaxIdle time.Duration
	rounds  int
	sleep   time.Duration
}

// Reset is called after useful work.
func (b *Backoff) Reset() {
	b.rounds = 0
	b.sleep = 0
}

// Rounds returns the idle rounds since the last Reset.
func (b *Backoff) Rounds() int { return b.rounds }

// Next returns how long the worker should park, zero meaning it already
// spun or yielded and should poll again.
func (b *Backoff) Next() time.Duration {
	b.rounds++
	switch {
	case b.rounds < 16:
		return 0
	case b.rounds < 64:
		runtime.Gosched()
		return 0
	}
	if b.sleep == 0 {
		b.sleep = time.Microsecond
	} else {
		b.sleep *= 2
	}
	max := b.MaxIdle
	if max <= 0 {
		max = time.Millisecond
	}
	if b.sleep > max {
		b.sleep = max
	}
	return b.sleep
}
