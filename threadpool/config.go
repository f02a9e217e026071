// Package threadpool runs the workers of one scheduler: pinned OS threads
// that dequeue tasks, execute them until they yield, suspend or finish, and
// park when there is nothing to do.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package threadpool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/affinity"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/threads"
	"github.com/momentics/hioload-rt/topology"
)

// State is the lifecycle state of a pool or of one of its workers.
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StatePreSleep
	StateSuspended
	StateStopping
	StateStopped
)

var stateNames = [...]string{"initialized", "running", "pre_sleep", "suspended", "stopping", "stopped"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// PanicHandler is called with the recovered value of a panicking task. It
// runs on the worker and must not block.
type PanicHandler interface {
	HandlePanic(ctx context.Context, pool string, worker int, panicInfo any, stackTrace []byte)
}

// PanicHandlerFunc adapts a function to PanicHandler.
type PanicHandlerFunc func(ctx context.Context, pool string, worker int, panicInfo any, stackTrace []byte)

// HandlePanic calls f.
func (f PanicHandlerFunc) HandlePanic(ctx context.Context, pool string, worker int, panicInfo any, stackTrace []byte) {
	f(ctx, pool, worker, panicInfo, stackTrace)
}

// Metrics receives execution measurements. Implementations must be safe
// for concurrent use and fast; they run on the workers.
type Metrics interface {
	RecordTaskDuration(pool string, prio threads.Priority, d time.Duration)
	RecordTaskPanic(pool string, panicInfo any)
	RecordQueueDepth(pool string, depth int)
	RecordTaskStolen(pool string, worker int)
	RecordWorkerState(pool string, worker int, state State)
}

// NilMetrics discards everything.
type NilMetrics struct{}

func (NilMetrics) RecordTaskDuration(string, threads.Priority, time.Duration) {}
func (NilMetrics) RecordTaskPanic(string, any)                                {}
func (NilMetrics) RecordQueueDepth(string, int)                               {}
func (NilMetrics) RecordTaskStolen(string, int)                               {}
func (NilMetrics) RecordWorkerState(string, int, State)                       {}

// Config holds pool construction parameters.
type Config struct {
	Name  string
	Index int
	// NumThreads and ThreadOffset select the slice of Affinity the workers
	// of this pool use.
	NumThreads   int
	ThreadOffset int
	Affinity     *affinity.Data
	Topology     *topology.Topology

	// Scheduler is used as is when set; otherwise one is built from
	// SchedulerConfig.
	Scheduler       schedulers.Scheduler
	SchedulerConfig schedulers.Config

	Logger       *zap.Logger
	Metrics      Metrics
	PanicHandler PanicHandler

	// PinWorkers binds each worker to its affinity mask.
	PinWorkers bool
	// PollInterval bounds how long an idle worker parks without
	// enable_idle_backoff; MaxIdleBackoff bounds it with the flag.
	PollInterval   time.Duration
	MaxIdleBackoff time.Duration
	// StopAbortAfter is how long Stop waits for suspended tasks before
	// aborting them.
	StopAbortAfter time.Duration
}

// DefaultConfig returns a pool of one worker per CPU of the default
// scheduler.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		SchedulerConfig: schedulers.DefaultConfig(),
		PinWorkers:      true,
		PollInterval:    time.Millisecond,
		MaxIdleBackoff:  10 * time.Millisecond,
		StopAbortAfter:  time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NilMetrics{}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxIdleBackoff <= 0 {
		c.MaxIdleBackoff = d.MaxIdleBackoff
	}
	if c.StopAbortAfter <= 0 {
		c.StopAbortAfter = d.StopAbortAfter
	}
}

// Option adjusts work submitted with Submit.
type Option func(*threads.InitData)

// WithPriority sets the priority.
func WithPriority(p threads.Priority) Option {
	return func(d *threads.InitData) { d.Priority = p }
}

// WithStackSize sets the stack class.
func WithStackSize(s threads.StackSize) Option {
	return func(d *threads.InitData) { d.StackSize = s }
}

// WithDescription names the work in logs and deadlock reports.
func WithDescription(desc string) Option {
	return func(d *threads.InitData) { d.Description = desc }
}

// WithHint asks for a placement.
func WithHint(h threads.ScheduleHint) Option {
	return func(d *threads.InitData) { d.Hint = h }
}

// WithContext sets the parent context of the task.
func WithContext(ctx context.Context) Option {
	return func(d *threads.InitData) { d.Context = ctx }
}
