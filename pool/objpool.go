// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() (T, bool)
	Put(T) bool
}

// FreeList is a bounded LIFO of reusable objects. Objects that do not fit are
// handed to the release callback.
type FreeList[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	release func(T)
}

var _ ObjectPool[int] = (*FreeList[int])(nil)

// NewFreeList creates a list holding at most limit objects. release may be nil.
func NewFreeList[T any](limit int, release func(T)) *FreeList[T] {
	if limit < 0 {
		limit = 0
	}
	return &FreeList[T]{limit: limit, release: release}
}

// Get pops the most recently returned object.
func (l *FreeList[T]) Get() (obj T, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.items)
	if n == 0 {
		return obj, false
	}
	obj = l.items[n-1]
	var zero T
	l.items[n-1] = zero
	l.items = l.items[:n-1]
	return obj, true
}

// Put keeps obj for reuse. It returns false if the list was full and obj
// was released instead.
func (l *FreeList[T]) Put(obj T) bool {
	l.mu.Lock()
	if len(l.items) < l.limit {
		l.items = append(l.items, obj)
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()
	if l.release != nil {
		l.release(obj)
	}
	return false
}

// Len returns the number of idle objects.
func (l *FreeList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// SetLimit changes the capacity, releasing the surplus.
func (l *FreeList[T]) SetLimit(limit int) {
	l.mu.Lock()
	if limit < 0 {
		limit = 0
	}
	l.limit = limit
	var surplus []T
	if len(l.items) > limit {
		surplus = append(surplus, l.items[limit:]...)
		clear(l.items[limit:])
		l.items = l.items[:limit]
	}
	l.mu.Unlock()
	if l.release != nil {
		for _, obj := range surplus {
			l.release(obj)
		}
	}
}

// Drain releases every idle object.
func (l *FreeList[T]) Drain() int {
	l.mu.Lock()
	items := l.items
	l.items = nil
	l.mu.Unlock()
	if l.release != nil {
		for _, obj := range items {
			l.release(obj)
		}
	}
	return len(items)
}
