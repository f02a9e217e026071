package synchronization

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/locks"
	"github.com/momentics/hioload-rt/threads"
)

func agentCtx(reg *locks.Registry) context.Context {
	return threads.WithExternalAgent(context.Background(), reg)
}

func TestSpinlock(t *testing.T) {
	var l Spinlock
	require.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	assert.True(t, l.IsLocked())
	l.Unlock()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestMutexContention(t *testing.T) {
	m := NewMutex("counter")
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := agentCtx(nil)
			for j := 0; j < 500; j++ {
				require.NoError(t, m.Lock(ctx))
				counter++
				require.NoError(t, m.Unlock(ctx))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4000, counter)
	assert.False(t, m.IsLocked())
	assert.Zero(t, m.Owner())
}

func TestMutexOwnership(t *testing.T) {
	reg := locks.NewRegistry(nil)
	ctx := agentCtx(reg)
	other := agentCtx(reg)
	self, _ := threads.AgentOf(ctx)

	m := NewMutex("")
	require.NoError(t, m.Lock(ctx))
	assert.Equal(t, self.AgentID(), m.Owner())
	assert.Len(t, self.Locks().HeldLocks(), 1)

	err := m.Lock(ctx)
	require.ErrorIs(t, err, api.ErrDeadlock)
	assert.False(t, m.TryLock(other))

	require.ErrorIs(t, m.Unlock(other), api.ErrLockError)
	require.NoError(t, m.Unlock(ctx))
	assert.Empty(t, self.Locks().HeldLocks())
	require.ErrorIs(t, m.Unlock(ctx), api.ErrLockError)
}

func TestMutexWaitAborted(t *testing.T) {
	m := NewMutex("held")
	owner := agentCtx(nil)
	require.NoError(t, m.Lock(owner))

	ctx, cancel := context.WithCancel(agentCtx(nil))
	done := make(chan error, 1)
	go func() { done <- m.Lock(ctx) }()

	require.Eventually(t, func() bool {
		m.mtx.Lock()
		defer m.mtx.Unlock()
		return m.cv.Size() == 1
	}, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, api.ErrYieldAborted)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, m.Unlock(owner))
}

func TestMutexHandOff(t *testing.T) {
	m := NewMutex("handoff")
	first := agentCtx(nil)
	require.NoError(t, m.Lock(first))

	acquired := make(chan struct{})
	go func() {
		ctx := agentCtx(nil)
		require.NoError(t, m.Lock(ctx))
		close(acquired)
		require.NoError(t, m.Unlock(ctx))
	}()

	require.Eventually(t, func() bool {
		m.mtx.Lock()
		defer m.mtx.Unlock()
		return !m.cv.Empty()
	}, time.Second, time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	default:
	}
	require.NoError(t, m.Unlock(first))
	<-acquired
}

func TestTimedMutexTimeout(t *testing.T) {
	mock := clock.NewMock()
	m := NewTimedMutex("")
	holder := agentCtx(nil)
	require.NoError(t, m.Lock(holder))

	ctx := threads.WithClock(context.Background(), mock)
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := m.TryLockFor(ctx, time.Second)
		done <- result{ok, err}
	}()

	require.Eventually(t, func() bool {
		m.mtx.Lock()
		defer m.mtx.Unlock()
		return m.cv.Size() == 1
	}, time.Second, time.Millisecond)
	mock.Add(2 * time.Second)

	r := <-done
	assert.False(t, r.ok)
	assert.NoError(t, r.err)
	assert.True(t, m.IsLocked())

	ok, err := m.TryLockUntil(ctx, mock.Now().Add(-time.Second))
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestRecursiveMutex(t *testing.T) {
	ctx := agentCtx(nil)
	other := agentCtx(nil)
	r := NewRecursiveMutex("")

	require.NoError(t, r.Lock(ctx))
	require.NoError(t, r.Lock(ctx))
	assert.True(t, r.TryLock(ctx))
	assert.False(t, r.TryLock(other))

	require.ErrorIs(t, r.Unlock(other), api.ErrLockError)
	require.NoError(t, r.Unlock(ctx))
	require.NoError(t, r.Unlock(ctx))
	assert.NotZero(t, r.Owner())
	require.NoError(t, r.Unlock(ctx))
	assert.Zero(t, r.Owner())
	assert.True(t, r.TryLock(other))
}

func TestConditionVariableNotify(t *testing.T) {
	var (
		l     Spinlock
		cv    ConditionVariable
		ready bool
	)
	reasons := make(chan threads.RestartReason, 3)
	for i := 0; i < 3; i++ {
		go func() {
			l.Lock()
			defer l.Unlock()
			r := threads.RestartSignaled
			for !ready {
				r = cv.Wait(context.Background(), &l, "cv")
			}
			reasons <- r
		}()
	}
	require.Eventually(t, func() bool {
		l.Lock()
		defer l.Unlock()
		return cv.Size() == 3
	}, time.Second, time.Millisecond)

	l.Lock()
	ready = true
	assert.True(t, cv.NotifyOne())
	assert.Equal(t, 2, cv.NotifyAll())
	assert.False(t, cv.NotifyOne())
	assert.True(t, cv.Empty())
	l.Unlock()

	for i := 0; i < 3; i++ {
		assert.Equal(t, threads.RestartSignaled, <-reasons)
	}
}

func TestConditionVariableCancelledContext(t *testing.T) {
	var l Spinlock
	cv := NewConditionVariable()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Lock()
	assert.Equal(t, threads.RestartAbort, cv.Wait(ctx, &l, "cv"))
	assert.Equal(t, threads.RestartTimeout, cv.WaitUntil(context.Background(), &l, time.Now().Add(-time.Second), "cv"))
	assert.True(t, cv.Empty())
	l.Unlock()
}

func TestLatch(t *testing.T) {
	l := NewLatch(3)
	assert.False(t, l.TryWait())

	var wg sync.WaitGroup
	var passed atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Wait(context.Background()))
			passed.Add(1)
		}()
	}
	l.CountDown(1)
	l.CountDown(1)
	assert.Equal(t, int64(1), l.Remaining())
	assert.Zero(t, passed.Load())
	require.NoError(t, l.ArriveAndWait(context.Background(), 1))
	wg.Wait()
	assert.Equal(t, int32(4), passed.Load())
	assert.True(t, l.IsReady())

	assert.Panics(t, func() { l.CountDown(1) })
	assert.Panics(t, func() { NewLatch(-1) })
	assert.True(t, NewLatch(0).TryWait())
}

func TestLatchCloseAbortsWaiters(t *testing.T) {
	l := NewLatch(1)
	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background()) }()

	require.Eventually(t, func() bool {
		l.mtx.Lock()
		defer l.mtx.Unlock()
		return l.cv.Size() == 1
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, l.Close(), api.ErrInvalidStatus)
	require.ErrorIs(t, <-done, api.ErrYieldAborted)
	assert.NoError(t, l.Close())
}

func TestCountingSemaphoreBoundsConcurrency(t *testing.T) {
	const permits = 3
	s := NewCountingSemaphore(permits)
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Wait(context.Background(), 1))
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			s.Signal(1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(permits))
	assert.Equal(t, int64(permits), s.Value())
}

func TestCountingSemaphoreTryAndTimeout(t *testing.T) {
	s := NewCountingSemaphore(1)
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryWait(1))

	mock := clock.NewMock()
	ctx := threads.WithClock(context.Background(), mock)
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := s.WaitFor(ctx, time.Second, 1)
		done <- result{ok, err}
	}()
	require.Eventually(t, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.cv.Size() == 1
	}, time.Second, time.Millisecond)
	mock.Add(time.Second)
	r := <-done
	assert.False(t, r.ok)
	assert.NoError(t, r.err)

	go func() {
		ok, err := s.WaitUntil(context.Background(), time.Now().Add(time.Minute), 2)
		done <- result{ok, err}
	}()
	require.Eventually(t, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.cv.Size() == 1
	}, time.Second, time.Millisecond)
	s.Signal(2)
	r = <-done
	assert.True(t, r.ok)
	assert.NoError(t, r.err)
	assert.Zero(t, s.Value())
}

func TestCountingSemaphoreAdmitsExactlyK(t *testing.T) {
	const k = 3
	s := NewCountingSemaphore(k)
	for i := 0; i < k; i++ {
		assert.True(t, s.TryAcquire(), "acquire %d", i)
	}
	assert.False(t, s.TryAcquire())
	assert.Zero(t, s.Value())

	for i := 0; i < k; i++ {
		s.Signal(1)
		assert.True(t, s.TryAcquire(), "after signal %d", i)
		assert.False(t, s.TryAcquire(), "after signal %d", i)
	}
}

func TestConditionVariablePrunesExpiredWaiters(t *testing.T) {
	var l Spinlock
	cv := NewConditionVariable()
	blocked := make(chan threads.RestartReason, 1)
	go func() {
		l.Lock()
		defer l.Unlock()
		blocked <- cv.Wait(context.Background(), &l, "long wait")
	}()
	require.Eventually(t, func() bool {
		l.Lock()
		defer l.Unlock()
		return cv.Size() == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		l.Lock()
		r := cv.WaitUntil(context.Background(), &l, time.Now().Add(time.Millisecond), "retry")
		assert.Equal(t, threads.RestartTimeout, r)
		assert.Equal(t, 1, cv.list().Length())
		l.Unlock()
	}

	l.Lock()
	assert.True(t, cv.NotifyOne())
	l.Unlock()
	assert.Equal(t, threads.RestartSignaled, <-blocked)
}

func TestCountingSemaphoreSignalAll(t *testing.T) {
	s := NewCountingSemaphore(0)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.Wait(context.Background(), 1))
		}()
	}
	require.Eventually(t, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.cv.Size() == 5
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(5), s.SignalAll())
	wg.Wait()
	assert.Zero(t, s.Value())
}

func TestSlidingSemaphore(t *testing.T) {
	s := NewSlidingSemaphore(2, 0)
	assert.True(t, s.TryWait(2))
	assert.False(t, s.TryWait(3))

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background(), 5) }()
	require.Eventually(t, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.cv.Size() == 1
	}, time.Second, time.Millisecond)

	s.Signal(1)
	select {
	case <-done:
		t.Fatal("upper 5 passed with lower 1")
	case <-time.After(10 * time.Millisecond):
	}
	s.Signal(3)
	require.NoError(t, <-done)
	assert.Equal(t, int64(3), s.Lower())

	s.SetMaxDifference(0, 3)
	assert.False(t, s.TryWait(4))
	s.SignalAll()
	assert.True(t, s.TryWait(1<<40))
}

func TestBarrierPhases(t *testing.T) {
	const (
		parties = 5
		phases  = 4
	)
	var completed atomic.Int32
	b := NewBarrier(parties, func() { completed.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := agentCtx(nil)
			for p := 1; p <= phases; p++ {
				require.NoError(t, b.ArriveAndWait(ctx))
				assert.GreaterOrEqual(t, completed.Load(), int32(p))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(phases), completed.Load())
}

func TestBarrierArriveAndDrop(t *testing.T) {
	b := NewBarrier(3, nil)
	ctx := agentCtx(nil)

	tok := b.Arrive(ctx, 1)
	b.ArriveAndDrop(agentCtx(nil))
	done := make(chan error, 1)
	go func() { done <- b.Wait(ctx, tok) }()
	b.Arrive(agentCtx(nil), 1)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), b.Expected())

	next := b.Arrive(ctx, 2)
	assert.NotEqual(t, tok, next)
	require.NoError(t, b.Wait(ctx, next))
}

func TestBarrierArriveAfterAllDropped(t *testing.T) {
	ctx := agentCtx(nil)
	b := NewBarrier(1, nil)
	b.ArriveAndDrop(ctx)
	assert.Zero(t, b.Expected())

	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok, "recovered %v", r)
		assert.ErrorIs(t, err, api.ErrInvalidStatus)
	}()
	b.Arrive(ctx, 1)
}

func TestOnce(t *testing.T) {
	var (
		o     Once
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, o.Do(context.Background(), func() {
				time.Sleep(5 * time.Millisecond)
				calls.Add(1)
			}))
			assert.True(t, o.Done())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestOncePanicRetries(t *testing.T) {
	var o Once
	assert.Panics(t, func() {
		_ = o.Do(context.Background(), func() { panic("boom") })
	})
	assert.False(t, o.Done())
	ran := false
	require.NoError(t, o.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
	assert.True(t, o.Done())
}
