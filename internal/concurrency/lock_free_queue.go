// File: internal/concurrency/lock_free_queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded multi-producer/multi-consumer ring with per-slot sequence numbers.
// Head and tail live on separate cache lines to reduce contention.

package concurrency

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type slot[T any] struct {
	seq  atomic.Uint64
	item T
}

// Queue is a bounded lock-free MPMC queue.
type Queue[T any] struct {
	_     cpu.CacheLinePad
	tail  atomic.Uint64
	_     cpu.CacheLinePad
	head  atomic.Uint64
	_     cpu.CacheLinePad
	mask  uint64
	slots []slot[T]
}

// NewQueue creates a queue with capacity rounded up to a power of two.
func NewQueue[T any](capacity int) *Queue[T] {
	size := uint64(NextPowerOfTwo(uint32(capacity)))
	q := &Queue[T]{mask: size - 1, slots: make([]slot[T], size)}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue adds val; returns false if full.
func (q *Queue[T]) Enqueue(val T) bool {
	pos := q.tail.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.item = val
				s.seq.Store(pos + 1)
				return true
			}
			pos = q.tail.Load()
		case diff < 0:
			return false
		default:
			pos = q.tail.Load()
		}
	}
}

// Dequeue removes and returns an item; ok false if empty.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	pos := q.head.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				item = s.item
				var zero T
				s.item = zero
				s.seq.Store(pos + q.mask + 1)
				return item, true
			}
			pos = q.head.Load()
		case diff < 0:
			return item, false
		default:
			pos = q.head.Load()
		}
	}
}

// Len is an estimate under concurrent use.
func (q *Queue[T]) Len() int {
	n := int64(q.tail.Load()) - int64(q.head.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.slots) }

// NextPowerOfTwo rounds v up, returning 1 for 0.
func NextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
