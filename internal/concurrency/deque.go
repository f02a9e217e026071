// File: internal/concurrency/deque.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"sync"
	"sync/atomic"
)

// Deque is an unbounded double ended queue guarded by a mutex. The owner of a
// work queue pushes and pops at the back; thieves take from the front.
type Deque[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int
	// length mirrors count for lock-free emptiness checks.
	length atomic.Int64
}

const minDequeLen = 16

// Len returns the number of queued items.
func (d *Deque[T]) Len() int { return int(d.length.Load()) }

func (d *Deque[T]) grow() {
	if d.count < len(d.buf) {
		return
	}
	n := len(d.buf) << 1
	if n == 0 {
		n = minDequeLen
	}
	buf := make([]T, n)
	if d.count > 0 {
		if tail := d.head + d.count; tail <= len(d.buf) {
			copy(buf, d.buf[d.head:tail])
		} else {
			k := copy(buf, d.buf[d.head:])
			copy(buf[k:], d.buf[:d.count-k])
		}
	}
	d.buf = buf
	d.head = 0
}

// PushBack appends v.
func (d *Deque[T]) PushBack(v T) {
	d.mu.Lock()
	d.grow()
	d.buf[(d.head+d.count)&(len(d.buf)-1)] = v
	d.count++
	d.length.Store(int64(d.count))
	d.mu.Unlock()
}

// PushFront prepends v.
func (d *Deque[T]) PushFront(v T) {
	d.mu.Lock()
	d.grow()
	d.head = (d.head - 1) & (len(d.buf) - 1)
	d.buf[d.head] = v
	d.count++
	d.length.Store(int64(d.count))
	d.mu.Unlock()
}

// PopFront removes the oldest item.
func (d *Deque[T]) PopFront() (v T, ok bool) {
	if d.Len() == 0 {
		return v, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return v, false
	}
	var zero T
	v = d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) & (len(d.buf) - 1)
	d.count--
	d.length.Store(int64(d.count))
	return v, true
}

// PopBack removes the newest item.
func (d *Deque[T]) PopBack() (v T, ok bool) {
	if d.Len() == 0 {
		return v, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return v, false
	}
	var zero T
	i := (d.head + d.count - 1) & (len(d.buf) - 1)
	v = d.buf[i]
	d.buf[i] = zero
	d.count--
	d.length.Store(int64(d.count))
	return v, true
}

// Each calls fn for every item from front to back while holding the lock.
func (d *Deque[T]) Each(fn func(T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < d.count; i++ {
		fn(d.buf[(d.head+i)&(len(d.buf)-1)])
	}
}
