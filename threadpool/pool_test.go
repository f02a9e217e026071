package threadpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/coroutine"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/synchronization"
	"github.com/momentics/hioload-rt/threads"
)

func newTestPool(t *testing.T, n int, policy schedulers.Policy, mode schedulers.Mode) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.NumThreads = n
	cfg.PinWorkers = false
	cfg.StopAbortAfter = 20 * time.Millisecond
	cfg.SchedulerConfig.Policy = policy
	cfg.SchedulerConfig.Mode = mode
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx, true)
	})
	return p
}

func waitAll(t *testing.T, hs []threads.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range hs {
		require.NoError(t, h.Wait(ctx))
	}
}

func TestRunAndStop(t *testing.T) {
	p := newTestPool(t, 2, schedulers.PolicyLocalPriorityFIFO, schedulers.DefaultMode)
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, 2, p.NumThreads())
	assert.Equal(t, 2, p.ActiveThreads())
	assert.Equal(t, "test", p.Name())

	var ran atomic.Int32
	var hs []threads.Handle
	for i := 0; i < 100; i++ {
		h, err := p.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}, WithDescription("count"))
		require.NoError(t, err)
		hs = append(hs, h)
	}
	waitAll(t, hs)
	assert.Equal(t, int32(100), ran.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.True(t, p.IsIdle())

	require.NoError(t, p.Stop(ctx, true))
	assert.Equal(t, StateStopped, p.State())
	for i := 0; i < p.NumThreads(); i++ {
		assert.Equal(t, StateStopped, p.WorkerState(i))
	}
	_, err := p.Submit(func(context.Context) error { return nil })
	require.ErrorIs(t, err, api.ErrInvalidStatus)
}

func TestHintedWorkStaysOnWorkerWithoutStealing(t *testing.T) {
	p := newTestPool(t, 4, schedulers.PolicyStatic, schedulers.NothingSpecial)

	var wrong atomic.Int32
	hs := make([]threads.Handle, 0, 1000)
	for i := 0; i < 1000; i++ {
		h, err := p.Submit(func(ctx context.Context) error {
			if threads.CurrentWorker(ctx) != 0 {
				wrong.Add(1)
			}
			return nil
		}, WithHint(threads.ThreadHint(0)))
		require.NoError(t, err)
		hs = append(hs, h)
	}
	waitAll(t, hs)
	assert.Zero(t, wrong.Load())
	st := p.Scheduler().Stats()
	for i := 1; i < 4; i++ {
		assert.Zero(t, st.Workers[i].Executed, "worker %d", i)
	}
}

func TestTasksSuspendOnMutex(t *testing.T) {
	p := newTestPool(t, 4, schedulers.PolicyLocalPriorityFIFO, schedulers.DefaultMode)
	m := synchronization.NewMutex("shared counter")
	counter := 0
	var hs []threads.Handle
	for i := 0; i < 50; i++ {
		h, err := p.Submit(func(ctx context.Context) error {
			for j := 0; j < 20; j++ {
				if err := m.Lock(ctx); err != nil {
					return err
				}
				counter++
				threads.Yield(ctx)
				if err := m.Unlock(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
		hs = append(hs, h)
	}
	waitAll(t, hs)
	assert.Equal(t, 1000, counter)
}

func TestMutexWaiterSuspendsAndTakesOwnership(t *testing.T) {
	p := newTestPool(t, 2, schedulers.PolicyLocalPriorityFIFO, schedulers.DefaultMode)
	m := synchronization.NewMutex("handoff")
	var (
		held, releaseA, releaseB atomic.Bool
		waiterID                 atomic.Uint64
		waiterOwner              atomic.Uint64
	)

	holder, err := p.Submit(func(ctx context.Context) error {
		if err := m.Lock(ctx); err != nil {
			return err
		}
		held.Store(true)
		for !releaseA.Load() {
			threads.Yield(ctx)
		}
		return m.Unlock(ctx)
	}, WithDescription("holder"))
	require.NoError(t, err)
	require.Eventually(t, held.Load, time.Second, time.Millisecond)

	waiter, err := p.Submit(func(ctx context.Context) error {
		waiterID.Store(uint64(threads.SelfID(ctx)))
		if err := m.Lock(ctx); err != nil {
			return err
		}
		waiterOwner.Store(m.Owner())
		for !releaseB.Load() {
			threads.Yield(ctx)
		}
		return m.Unlock(ctx)
	}, WithDescription("waiter"))
	require.NoError(t, err)

	suspended := func() bool {
		found := false
		p.Scheduler().EnumerateThreads(threads.StateSuspended, func(task *threads.Task) bool {
			if uint64(task.ID()) == waiterID.Load() {
				found = true
				return false
			}
			return true
		})
		return found
	}
	require.Eventually(t, suspended, time.Second, time.Millisecond)
	assert.NotEqual(t, waiterID.Load(), m.Owner())

	releaseA.Store(true)
	require.Eventually(t, func() bool { return m.Owner() == waiterID.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, waiterID.Load(), waiterOwner.Load())

	releaseB.Store(true)
	waitAll(t, []threads.Handle{holder, waiter})
	assert.Zero(t, m.Owner())
}

func TestSelfCallsRejected(t *testing.T) {
	p := newTestPool(t, 2, schedulers.PolicyLocalPriorityFIFO, schedulers.DefaultMode|schedulers.EnableElasticity)

	var stopErr, suspendErr, suspendSelfErr, waitErr error
	h, err := p.Submit(func(ctx context.Context) error {
		stopErr = p.Stop(ctx, true)
		suspendErr = p.SuspendAll(ctx)
		suspendSelfErr = p.SuspendProcessingUnit(ctx, threads.CurrentWorker(ctx))
		waitErr = p.Wait(ctx)
		return nil
	})
	require.NoError(t, err)
	waitAll(t, []threads.Handle{h})

	assert.ErrorIs(t, stopErr, api.ErrInvalidStatus)
	assert.ErrorIs(t, suspendErr, api.ErrInvalidStatus)
	assert.ErrorIs(t, suspendSelfErr, api.ErrInvalidStatus)
	assert.ErrorIs(t, waitErr, api.ErrDeadlock)
	assert.Equal(t, StateRunning, p.State())
}

func TestPanicDeliveredThroughHandle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumThreads = 1
	cfg.PinWorkers = false
	var mu sync.Mutex
	var seen []any
	cfg.PanicHandler = PanicHandlerFunc(func(_ context.Context, pool string, worker int, v any, _ []byte) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v)
	})
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	defer p.Stop(context.Background(), true)

	for _, class := range []threads.StackSize{threads.StackDefault, threads.StackNone} {
		h, err := p.Submit(func(context.Context) error { panic("boom") }, WithStackSize(class))
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = h.Wait(ctx)
		cancel()
		var pe *coroutine.PanicError
		require.True(t, errors.As(err, &pe), class.String())
		assert.Equal(t, "boom", pe.Value)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
}

func TestSuspendAndResumeProcessingUnit(t *testing.T) {
	p := newTestPool(t, 2, schedulers.PolicyStatic, schedulers.EnableElasticity)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.SuspendProcessingUnit(ctx, 1))
	assert.Equal(t, StateSuspended, p.WorkerState(1))
	assert.Equal(t, 1, p.ActiveThreads())

	h, err := p.Submit(func(context.Context) error { return nil },
		WithHint(threads.ThreadHint(1)), WithPriority(threads.PriorityHigh))
	require.NoError(t, err)
	select {
	case <-h.Done():
		t.Fatal("work ran on a suspended worker")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p.ResumeProcessingUnit(ctx, 1))
	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, 2, p.ActiveThreads())

	n, err := p.Shrink(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.ActiveThreads())
	n, err = p.Grow(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, p.SuspendAll(ctx))
	assert.Equal(t, StateSuspended, p.State())
	require.NoError(t, p.ResumeAll(ctx))
	assert.Equal(t, StateRunning, p.State())
}

func TestSuspendRequiresElasticity(t *testing.T) {
	p := newTestPool(t, 2, schedulers.PolicyLocalPriorityFIFO, schedulers.DefaultMode)
	err := p.SuspendProcessingUnit(context.Background(), 1)
	require.ErrorIs(t, err, api.ErrInvalidStatus)
	_, err = p.Shrink(context.Background(), 1)
	require.ErrorIs(t, err, api.ErrInvalidStatus)
}

func TestStopAbortsSuspendedTasks(t *testing.T) {
	p := newTestPool(t, 1, schedulers.PolicyLocalPriorityFIFO, schedulers.DefaultMode)
	never := synchronization.NewLatch(1)
	h, err := p.CreateThread(threads.InitData{
		Func:        func(ctx context.Context) error { return never.Wait(ctx) },
		Description: "stuck",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.ThreadCount(threads.StateSuspended, threads.PriorityDefault, -1) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx, true))
	require.ErrorIs(t, h.Err(), api.ErrYieldAborted)
}

func TestWorkerStatesAndMetrics(t *testing.T) {
	m := &countingMetrics{}
	cfg := DefaultConfig()
	cfg.NumThreads = 2
	cfg.PinWorkers = false
	cfg.Metrics = m
	p, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, p.State())
	require.NoError(t, p.Run(context.Background()))

	h, err := p.Submit(func(context.Context) error { return nil })
	require.NoError(t, err)
	waitAll(t, []threads.Handle{h})
	require.NoError(t, p.Stop(context.Background(), true))

	assert.GreaterOrEqual(t, m.durations.Load(), int32(1))
	assert.GreaterOrEqual(t, m.states.Load(), int32(4))
}

type countingMetrics struct {
	NilMetrics
	durations atomic.Int32
	states    atomic.Int32
}

func (m *countingMetrics) RecordTaskDuration(string, threads.Priority, time.Duration) {
	m.durations.Add(1)
}

func (m *countingMetrics) RecordWorkerState(string, int, State) { m.states.Add(1) }
