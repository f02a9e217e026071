// Package locks keeps per-agent bookkeeping of held locks.
//
// Every task owns a Tracker; primitives register themselves while held so the
// runtime can check that nothing is held when a task suspends. The whole
// subsystem is diagnostic: a disabled Registry turns every call into a no-op
// and the runtime behaves identically.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package locks

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/api"
)

// HeldLock describes one registered lock.
type HeldLock struct {
	Lock      any
	Data      any
	Ignored   bool
	Backtrace string
}

// ErrorHandler is invoked when VerifyNoLocks finds held locks.
type ErrorHandler func(agent string, held []HeldLock)

// Registry holds the settings shared by all trackers of one runtime.
type Registry struct {
	enabled    atomic.Bool
	traceDepth atomic.Int32

	mu      sync.RWMutex
	handler ErrorHandler
	logger  *zap.Logger
}

// NewRegistry returns an enabled registry that logs violations.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger.Named("locks")}
	r.enabled.Store(true)
	r.handler = r.logHeldLocks
	return r
}

// Enable switches lock tracking on or off.
func (r *Registry) Enable(on bool) { r.enabled.Store(on) }

// Enabled reports whether lock tracking is on.
func (r *Registry) Enabled() bool { return r != nil && r.enabled.Load() }

// SetTraceDepth sets how many frames are captured per registration, 0 to
// disable backtraces.
func (r *Registry) SetTraceDepth(n int) { r.traceDepth.Store(int32(n)) }

// SetErrorHandler replaces the violation handler; nil restores logging.
func (r *Registry) SetErrorHandler(h ErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		h = r.logHeldLocks
	}
	r.handler = h
}

func (r *Registry) errorHandler() ErrorHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler
}

func (r *Registry) logHeldLocks(agent string, held []HeldLock) {
	for _, h := range held {
		r.logger.Error("suspending while holding a lock",
			zap.String("agent", agent),
			zap.String("lock", fmt.Sprintf("%T@%p", h.Lock, h.Lock)),
			zap.String("backtrace", h.Backtrace))
	}
}

// PanicOnHeldLocks is an ErrorHandler that turns violations into panics.
func PanicOnHeldLocks(agent string, held []HeldLock) {
	panic(api.Errorf(api.ErrCodeLockError, "%s suspends while holding %d lock(s)", agent, len(held)))
}

// NewTracker returns a tracker bound to r.
func (r *Registry) NewTracker() *Tracker {
	return &Tracker{reg: r}
}

func (r *Registry) backtrace() string {
	depth := int(r.traceDepth.Load())
	if depth <= 0 {
		return ""
	}
	pcs := make([]uintptr, depth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
