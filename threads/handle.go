// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package threads

import (
	"context"
	"sync"

	"github.com/momentics/hioload-rt/api"
)

// completion is the outcome of one logical thread. A recycled descriptor gets
// a fresh completion, so old handles keep observing the thread they were
// created for.
type completion struct {
	id      ID
	mu      sync.Mutex
	done    chan struct{}
	err     error
	waiters []*WaitEntry
}

func newCompletion(id ID) *completion {
	return &completion{id: id, done: make(chan struct{})}
}

func (c *completion) finish(err error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.err = err
	close(c.done)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, e := range waiters {
		e.Wake(RestartSignaled)
	}
}

// Handle refers to a logical thread. The zero Handle is invalid.
type Handle struct {
	c *completion
}

// ID returns the id of the referenced thread.
func (h Handle) ID() ID {
	if h.c == nil {
		return InvalidID
	}
	return h.c.id
}

// Valid reports whether h refers to a thread.
func (h Handle) Valid() bool { return h.c != nil }

// Done is closed when the thread finished.
func (h Handle) Done() <-chan struct{} {
	if h.c == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return h.c.done
}

// Err returns the error the thread finished with; nil while it runs.
func (h Handle) Err() error {
	if h.c == nil {
		return nil
	}
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.err
}

// Finished reports whether the thread terminated.
func (h Handle) Finished() bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Wait blocks the calling agent until the thread finished and returns its
// error. A task calling Wait suspends instead of blocking its worker.
func (h Handle) Wait(ctx context.Context) error {
	if h.c == nil {
		return api.Errorf(api.ErrCodeBadParameter, "wait on invalid handle")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a := AgentFromContext(ctx)
	if t, ok := a.(*Task); ok && t.ID() == h.c.id {
		return api.Errorf(api.ErrCodeDeadlock, "task %d waits for itself", t.ID())
	}
	e := NewWaitEntry(a)
	h.c.mu.Lock()
	select {
	case <-h.c.done:
		err := h.c.err
		h.c.mu.Unlock()
		return err
	default:
	}
	h.c.waiters = append(h.c.waiters, e)
	h.c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { e.Wake(RestartAbort) })
	reason := a.Suspend(e, "wait for task")
	stop()
	if reason == RestartAbort {
		return api.Wrap(api.ErrCodeYieldAborted, context.Cause(ctx), "wait aborted")
	}
	return h.Err()
}
