// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package threadpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/affinity"
	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/coroutine"
	"github.com/momentics/hioload-rt/internal/concurrency"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/synchronization"
	"github.com/momentics/hioload-rt/threads"
	"github.com/momentics/hioload-rt/topology"
)

// worker is one dispatch loop.
type worker struct {
	index int
	pu    int
	mask  topology.Mask
	state atomic.Int32
	wake  chan struct{}

	mu      sync.Mutex
	suspend *synchronization.Latch
	resumed *synchronization.Latch
	resume  chan struct{}
	stolen  uint64
}

func newWorker(index, pu int, mask topology.Mask) *worker {
	return &worker{
		index:  index,
		pu:     pu,
		mask:   mask,
		wake:   make(chan struct{}, 1),
		resume: make(chan struct{}, 1),
	}
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) suspendRequest() *synchronization.Latch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspend
}

func (p *Pool) setWorkerState(w *worker, s State) {
	if State(w.state.Swap(int32(s))) != s {
		p.cfg.Metrics.RecordWorkerState(p.cfg.Name, w.index, s)
	}
}

// pin binds the calling goroutine's thread to the worker mask.
func (p *Pool) pin(w *worker) error {
	if !p.cfg.PinWorkers || w.mask.None() {
		return nil
	}
	err := affinity.PinCurrentThread(w.mask)
	switch {
	case err == nil:
		p.logger.Debug("worker pinned", zap.Int("worker", w.index), zap.Stringer("mask", w.mask))
		return nil
	case errors.Is(err, api.ErrNotSupported):
		p.logger.Warn("thread affinity not supported, worker left unpinned", zap.Int("worker", w.index))
		return nil
	}
	return api.Wrap(api.ErrCodeResourceUnavailable, err, "binding worker thread failed").
		WithContext("pool", p.cfg.Name).
		WithContext("worker", w.index)
}

// run is the dispatch loop of w. The goroutine keeps its OS thread for its
// whole life; a thread whose priority was lowered is not handed back to the
// Go runtime.
func (p *Pool) run(ctx context.Context, w *worker, started func(error)) error {
	runtime.LockOSThread()
	release := true
	defer func() {
		if release {
			runtime.UnlockOSThread()
		}
	}()

	err := p.pin(w)
	started(err)
	if err != nil {
		p.setWorkerState(w, StateStopped)
		return err
	}
	if p.cfg.PinWorkers && w.mask.Any() {
		defer func() {
			if uerr := affinity.UnpinCurrentThread(); uerr != nil {
				p.logger.Debug("unpin failed", zap.Int("worker", w.index), zap.Error(uerr))
			}
		}()
	}
	if p.sched.Mode().Has(schedulers.ReduceThreadPriority) {
		if err := affinity.ReduceThreadPriority(); err != nil {
			p.logger.Debug("thread priority unchanged", zap.Int("worker", w.index), zap.Error(err))
		} else {
			release = false
		}
	}

	p.setWorkerState(w, StateRunning)
	bo := concurrency.Backoff{MaxIdle: p.cfg.MaxIdleBackoff}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for ctx.Err() == nil {
		if l := w.suspendRequest(); l != nil {
			p.park(ctx, w, l)
			continue
		}
		if t, ok := p.sched.Dequeue(w.index); ok {
			bo.Reset()
			p.execute(ctx, w, t)
			continue
		}
		if p.sched.WaitOrAddNew(w.index, p.running.Load()) {
			break
		}
		if p.sched.QueueLength(w.index) > 0 {
			continue
		}
		p.idle(ctx, w, &bo, timer)
	}

	p.setWorkerState(w, StateStopping)
	p.sched.SetWorkerActive(w.index, false)
	p.logger.Debug("worker stopped", zap.Int("worker", w.index))
	p.setWorkerState(w, StateStopped)
	return nil
}

// execute runs t for one slice and routes it by the state it ends in.
func (p *Pool) execute(ctx context.Context, w *worker, t *threads.Task) {
	if n := p.sched.WorkerStolen(w.index); n != w.stolen {
		w.stolen = n
		p.cfg.Metrics.RecordTaskStolen(p.cfg.Name, w.index)
	}
	prio := t.Priority()
	start := time.Now()
	st := t.Execute(w.index)
	p.cfg.Metrics.RecordTaskDuration(p.cfg.Name, prio, time.Since(start))

	switch st {
	case threads.StatePending:
		p.sched.EnqueueLast(t, threads.PriorityDefault, threads.ThreadHint(w.index))
	case threads.StateTerminated:
		p.finished(ctx, w, t)
		p.sched.Destroy(t)
	}
}

func (p *Pool) finished(ctx context.Context, w *worker, t *threads.Task) {
	err := t.Handle().Err()
	if err == nil {
		return
	}
	var pe *coroutine.PanicError
	if !errors.As(err, &pe) {
		p.logger.Debug("task failed",
			zap.Uint64("task", uint64(t.ID())),
			zap.String("description", t.Description()),
			zap.Error(err))
		return
	}
	p.logger.Error("task panicked",
		zap.Uint64("task", uint64(t.ID())),
		zap.String("description", t.Description()),
		zap.Int("worker", w.index),
		zap.Any("panic", pe.Value),
		zap.ByteString("stack", pe.Stack))
	p.cfg.Metrics.RecordTaskPanic(p.cfg.Name, pe.Value)
	if p.cfg.PanicHandler != nil {
		p.cfg.PanicHandler.HandlePanic(ctx, p.cfg.Name, w.index, pe.Value, pe.Stack)
	}
}

// idle parks the worker until it is notified or the poll interval passes.
func (p *Pool) idle(ctx context.Context, w *worker, bo *concurrency.Backoff, timer *time.Timer) {
	d := p.cfg.PollInterval
	if p.sched.Mode().Has(schedulers.EnableIdleBackoff) {
		if d = bo.Next(); d == 0 {
			return
		}
	}
	p.cfg.Metrics.RecordQueueDepth(p.cfg.Name, p.sched.QueueLength(-1))
	p.setWorkerState(w, StatePreSleep)
	timer.Reset(d)
	select {
	case <-w.wake:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()
	p.setWorkerState(w, StateRunning)
}

// park keeps a suspended worker off the scheduler until it is resumed.
func (p *Pool) park(ctx context.Context, w *worker, ack *synchronization.Latch) {
	p.sched.SetWorkerActive(w.index, false)
	p.setWorkerState(w, StateSuspended)
	p.logger.Debug("worker suspended", zap.Int("worker", w.index))
	ack.CountDown(1)

	select {
	case <-w.resume:
	case <-p.stopping:
	case <-ctx.Done():
	}

	p.sched.SetWorkerActive(w.index, true)
	p.setWorkerState(w, StateRunning)
	w.mu.Lock()
	w.suspend = nil
	select {
	case <-w.resume:
	default:
	}
	if w.resumed != nil {
		w.resumed.CountDown(1)
		w.resumed = nil
	}
	w.mu.Unlock()
	p.logger.Debug("worker resumed", zap.Int("worker", w.index))
}
