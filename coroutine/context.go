// Package coroutine implements suspendable execution contexts.
//
// A Context hosts one entry function on a dedicated goroutine whose stack is
// the task's stack. Control moves between the resumer and the context through
// a pair of unbuffered channels, so exactly one side runs at any time: Resume
// blocks until the entry calls Self.Yield or returns.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package coroutine

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/internal/assert"
)

// Status is the lifecycle state of a Context.
type Status int32

const (
	Ready            Status = iota // bound, never resumed
	Running                        // currently executing its entry
	Suspended                      // parked in Yield
	ExitedReturn                   // entry returned
	ExitedAbnormally               // entry panicked or called runtime.Goexit
	Destroyed
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case ExitedReturn:
		return "exited_return"
	case ExitedAbnormally:
		return "exited_abnormally"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Exited reports whether s is one of the terminal entry states.
func (s Status) Exited() bool { return s == ExitedReturn || s == ExitedAbnormally }

// Entry is the function hosted by a context. in is the value passed to the
// first Resume.
type Entry func(self *Self, in int) error

// ExitValue is returned by Resume when the entry finished.
const ExitValue = -1

var (
	nextID uint64
	live   atomic.Int64
)

// Live returns the number of contexts not yet destroyed.
func Live() int64 { return live.Load() }

// PanicError carries a panic recovered on a context goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrGoexit is the result of an entry that called runtime.Goexit.
var ErrGoexit = api.NewError(api.ErrCodeNoSuccess, "task called runtime.Goexit")

// Context is a suspendable execution context.
type Context struct {
	id        uint64
	stackSize int

	entry  Entry
	err    error
	status atomic.Int32
	active atomic.Bool
	reused atomic.Uint64

	// alive is only touched by the side currently holding control.
	alive    bool
	resumeCh chan int
	yieldCh  chan int
	done     chan struct{}
	self     Self
}

// Self is the handle an entry uses to give control back.
type Self struct {
	c *Context
}

// New prepares a context whose first Resume invokes entry. stackSize is the
// advisory stack class in bytes; goroutine stacks grow on demand.
func New(entry Entry, stackSize int) (*Context, error) {
	if entry == nil {
		return nil, api.Errorf(api.ErrCodeBadParameter, "nil context entry")
	}
	if stackSize <= 0 {
		return nil, api.Errorf(api.ErrCodeBadParameter, "invalid stack size %d", stackSize)
	}
	c := &Context{
		id:        atomic.AddUint64(&nextID, 1),
		stackSize: stackSize,
		entry:     entry,
		resumeCh:  make(chan int),
		yieldCh:   make(chan int),
	}
	c.self.c = c
	c.status.Store(int32(Ready))
	live.Add(1)
	return c, nil
}

// ID returns the process unique context id.
func (c *Context) ID() uint64 { return c.id }

// StackSize returns the stack class the context was created with.
func (c *Context) StackSize() int { return c.stackSize }

// Status returns the current lifecycle state.
func (c *Context) Status() Status { return Status(c.status.Load()) }

// Err returns the result of the last finished entry: nil, the returned error
// or a *PanicError.
func (c *Context) Err() error { return c.err }

// TimesReused counts successful rebinds.
func (c *Context) TimesReused() uint64 { return c.reused.Load() }

// IsActive reports whether a Resume is in progress.
func (c *Context) IsActive() bool { return c.active.Load() }

// Resume transfers control into the context and returns when it yields or
// its entry finishes. Resuming an active or finished context panics.
func (c *Context) Resume(in int) (int, Status) {
	assert.That(c.active.CompareAndSwap(false, true), "context %d resumed while already active", c.id)
	st := c.Status()
	if st.Exited() || st == Destroyed {
		c.active.Store(false)
		assert.Fail("context %d resumed in state %s", c.id, st)
	}
	if !c.alive {
		c.alive = true
		c.done = make(chan struct{})
		go c.run()
	}
	c.status.Store(int32(Running))
	c.resumeCh <- in
	out := <-c.yieldCh
	st = c.Status()
	c.active.Store(false)
	return out, st
}

// Yield suspends the calling entry and hands out to the resumer. It returns
// the value of the next Resume. If the context is destroyed meanwhile the
// goroutine unwinds with runtime.Goexit.
func (s *Self) Yield(out int) int {
	c := s.c
	c.status.Store(int32(Suspended))
	c.yieldCh <- out
	in, ok := <-c.resumeCh
	if !ok {
		runtime.Goexit()
	}
	return in
}

// Context returns the context the entry runs in.
func (s *Self) Context() *Context { return s.c }

func (c *Context) run() {
	defer close(c.done)
	defer func() {
		// Reached only through runtime.Goexit.
		c.alive = false
		if c.Status() == Destroyed {
			return
		}
		c.err = ErrGoexit
		c.status.Store(int32(ExitedAbnormally))
		c.yieldCh <- ExitValue
	}()
	for in := range c.resumeCh {
		c.invoke(in)
		c.yieldCh <- ExitValue
	}
	// Channel closed by Destroy while waiting for a rebound entry.
	c.alive = false
	runtime.Goexit()
}

func (c *Context) invoke(in int) {
	normal := false
	defer func() {
		if normal {
			return
		}
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r, Stack: debug.Stack()}
			c.status.Store(int32(ExitedAbnormally))
		}
	}()
	err := c.entry(&c.self, in)
	normal = true
	c.err = err
	c.status.Store(int32(ExitedReturn))
}

// Rebind binds a finished context to a new entry, reusing its goroutine.
func (c *Context) Rebind(entry Entry) error {
	if entry == nil {
		return api.Errorf(api.ErrCodeBadParameter, "nil context entry")
	}
	if st := c.Status(); !st.Exited() {
		return api.Errorf(api.ErrCodeInvalidStatus, "context %d can not be rebound in state %s", c.id, st)
	}
	c.entry = entry
	c.err = nil
	c.status.Store(int32(Ready))
	c.reused.Add(1)
	return nil
}

// Destroy releases the hosting goroutine. A suspended entry is unwound, so
// its deferred calls run before Destroy returns.
func (c *Context) Destroy() {
	assert.That(!c.active.Load(), "context %d destroyed while active", c.id)
	if c.Status() == Destroyed {
		return
	}
	c.status.Store(int32(Destroyed))
	live.Add(-1)
	if c.alive {
		close(c.resumeCh)
		<-c.done
	}
}
