package threads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/coroutine"
	"github.com/momentics/hioload-rt/locks"
)

type fakeOwner struct {
	clk   *clock.Mock
	reg   *locks.Registry
	ready chan *Task
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{clk: clock.NewMock(), reg: locks.NewRegistry(nil), ready: make(chan *Task, 16)}
}

func (o *fakeOwner) Reschedule(t *Task)     { o.ready <- t }
func (o *fakeOwner) Clock() clock.Clock     { return o.clk }
func (o *fakeOwner) Locks() *locks.Registry { return o.reg }
func (o *fakeOwner) Logger() *zap.Logger    { return zap.NewNop() }

func pending(fn Func) InitData {
	return InitData{Func: fn, Description: "test", InitialState: StatePending}
}

func TestInitDataValidation(t *testing.T) {
	o := newFakeOwner()
	_, err := NewTask(InitData{Description: "x", InitialState: StatePending}, o, false)
	require.ErrorIs(t, err, api.ErrBadParameter)

	for _, s := range []ScheduleState{StateUnknown, StateActive, StateTerminated, StateStaged} {
		_, err := NewTask(InitData{Func: func(context.Context) error { return nil }, InitialState: s}, o, false)
		require.ErrorIs(t, err, api.ErrBadParameter, s.String())
	}

	_, err = NewTask(InitData{Func: func(context.Context) error { return nil }, InitialState: StatePending}, o, true)
	require.ErrorIs(t, err, api.ErrBadParameter, "description required")
}

func TestSetStateReturnsPrevious(t *testing.T) {
	task, err := NewTask(pending(func(context.Context) error { return nil }), newFakeOwner(), false)
	require.NoError(t, err)
	before := task.StateTag()

	prev := task.SetState(StateActive, RestartSignaled, PriorityHigh)
	assert.Equal(t, StatePending, prev.State)
	assert.Equal(t, StateActive, task.State())
	assert.Equal(t, PriorityHigh, task.Priority())
	assert.Greater(t, task.StateTag().Tag, before.Tag)

	assert.Panics(t, func() { task.SetState(StateActive, RestartSignaled, PriorityDefault) })

	task.SetState(StateTerminated, RestartUnknown, PriorityDefault)
	assert.Panics(t, func() { task.SetState(StatePending, RestartSignaled, PriorityDefault) })
	assert.False(t, task.Wake(RestartSignaled))
	assert.Equal(t, StateTerminated, task.State())
}

func TestWakeOvertakingSuspend(t *testing.T) {
	task, err := NewTask(pending(func(context.Context) error { return nil }), newFakeOwner(), false)
	require.NoError(t, err)
	task.SetState(StateActive, RestartSignaled, PriorityDefault)

	assert.False(t, task.Wake(RestartTimeout), "active task is not queued")
	assert.True(t, task.CommitSuspend())
	assert.Equal(t, StatePending, task.State())
	assert.Equal(t, RestartTimeout, task.StateTag().Reason)
}

func TestSuspendAndResume(t *testing.T) {
	o := newFakeOwner()
	var entry *WaitEntry
	got := make(chan RestartReason, 1)
	task, err := NewTask(pending(func(ctx context.Context) error {
		a := AgentFromContext(ctx)
		entry = NewWaitEntry(a)
		got <- a.Suspend(entry, "test wait")
		return nil
	}), o, false)
	require.NoError(t, err)

	assert.Equal(t, StateSuspended, task.Execute(3))
	assert.Equal(t, 3, task.LastWorker())
	assert.Equal(t, "test wait", task.WaitingOn())

	require.True(t, entry.Wake(RestartSignaled))
	assert.False(t, entry.Wake(RestartTimeout), "entry is claimed once")
	require.Same(t, task, <-o.ready)

	assert.Equal(t, StateTerminated, task.Execute(1))
	assert.Equal(t, RestartSignaled, <-got)
	assert.True(t, task.Handle().Finished())
	assert.NoError(t, task.Handle().Err())
}

func TestYieldKeepsTaskPending(t *testing.T) {
	steps := 0
	task, err := NewTask(pending(func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			steps++
			Yield(ctx)
		}
		return nil
	}), newFakeOwner(), false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, StatePending, task.Execute(0))
	}
	require.Equal(t, StateTerminated, task.Execute(0))
	assert.Equal(t, 3, steps)
}

func TestPanicDeliveredThroughHandle(t *testing.T) {
	task, err := NewTask(pending(func(context.Context) error { panic("boom") }), newFakeOwner(), false)
	require.NoError(t, err)
	h := task.Handle()
	assert.Equal(t, StateTerminated, task.Execute(0))

	var pe *coroutine.PanicError
	require.ErrorAs(t, h.Wait(context.Background()), &pe)
	assert.Equal(t, "boom", pe.Value)
}

func TestRebindRunsOnceMore(t *testing.T) {
	o := newFakeOwner()
	runs := 0
	fn := func(context.Context) error { runs++; return nil }
	task, err := NewTask(pending(fn), o, false)
	require.NoError(t, err)
	first := task.Handle()
	require.Equal(t, StateTerminated, task.Execute(0))

	require.NoError(t, task.Rebind(pending(fn), false))
	assert.NotEqual(t, first.ID(), task.ID())
	assert.Equal(t, uint64(1), task.TimesReused())
	assert.False(t, task.Handle().Finished())
	assert.True(t, first.Finished())

	require.Equal(t, StateTerminated, task.Execute(0))
	assert.Equal(t, 2, runs)

	err = task.Rebind(InitData{Func: fn, InitialState: StatePending, StackSize: StackNone}, false)
	assert.ErrorIs(t, err, api.ErrBadParameter)
	task.Destroy()
}

func TestRebindRequiresTermination(t *testing.T) {
	task, err := NewTask(pending(func(context.Context) error { return nil }), newFakeOwner(), false)
	require.NoError(t, err)
	assert.ErrorIs(t, task.Rebind(pending(func(context.Context) error { return nil }), false), api.ErrInvalidStatus)
}

func TestExitCallbacksRunInReverse(t *testing.T) {
	var order []int
	task, err := NewTask(pending(func(ctx context.Context) error {
		self := Self(ctx)
		self.AddExitCallback(func() { order = append(order, 1) })
		self.AddExitCallback(func() { order = append(order, 2) })
		return nil
	}), newFakeOwner(), false)
	require.NoError(t, err)
	task.Execute(0)
	assert.Equal(t, []int{2, 1}, order)
	assert.False(t, task.AddExitCallback(func() {}))
}

func TestStacklessTask(t *testing.T) {
	ran := false
	task, err := NewTask(InitData{
		Func:         func(context.Context) error { ran = true; return errors.New("done") },
		InitialState: StatePending,
		StackSize:    StackNone,
	}, newFakeOwner(), false)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, task.Execute(0))
	assert.True(t, ran)
	assert.EqualError(t, task.Handle().Err(), "done")

	task, err = NewTask(InitData{
		Func: func(ctx context.Context) error {
			return SleepFor(ctx, time.Second)
		},
		InitialState: StatePending,
		StackSize:    StackNone,
	}, newFakeOwner(), false)
	require.NoError(t, err)
	task.Execute(0)
	assert.ErrorIs(t, task.Handle().Err(), api.ErrInvalidStatus, "stackless tasks can not suspend")
}

func TestInterruption(t *testing.T) {
	var pointErr error
	task, err := NewTask(pending(func(ctx context.Context) error {
		self := Self(ctx)
		restore := self.DisableInterruption()
		self.Interrupt()
		assert.NoError(t, ctx.Err())
		restore()
		pointErr = InterruptionPoint(ctx)
		return ctx.Err()
	}), newFakeOwner(), false)
	require.NoError(t, err)
	task.Execute(0)
	assert.ErrorIs(t, pointErr, api.ErrThreadInterrupted)
	assert.ErrorIs(t, task.Handle().Err(), context.Canceled)
}

func TestAbortWakesSuspendedTask(t *testing.T) {
	o := newFakeOwner()
	var reason RestartReason
	task, err := NewTask(pending(func(ctx context.Context) error {
		a := AgentFromContext(ctx)
		reason = a.Suspend(NewWaitEntry(a), "forever")
		return nil
	}), o, false)
	require.NoError(t, err)
	require.Equal(t, StateSuspended, task.Execute(0))
	require.True(t, task.Abort())
	<-o.ready
	task.Execute(0)
	assert.Equal(t, RestartAbort, reason)
}

func TestSleepInsideTaskUsesOwnerClock(t *testing.T) {
	o := newFakeOwner()
	task, err := NewTask(pending(func(ctx context.Context) error {
		return SleepFor(ctx, time.Minute)
	}), o, false)
	require.NoError(t, err)
	require.Equal(t, StateSuspended, task.Execute(0))
	o.clk.Add(time.Minute)
	require.Same(t, task, <-o.ready)
	require.Equal(t, StateTerminated, task.Execute(0))
	assert.NoError(t, task.Handle().Err())
}

func TestHandleWaitFromGoroutine(t *testing.T) {
	task, err := NewTask(pending(func(context.Context) error { return nil }), newFakeOwner(), false)
	require.NoError(t, err)
	h := task.Handle()

	done := make(chan error, 1)
	go func() { done <- h.Wait(context.Background()) }()
	task.Execute(0)
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task2, err := NewTask(pending(func(context.Context) error { return nil }), newFakeOwner(), false)
	require.NoError(t, err)
	assert.ErrorIs(t, task2.Handle().Wait(ctx), api.ErrYieldAborted)
	assert.ErrorIs(t, Handle{}.Wait(ctx), api.ErrBadParameter)
}

func TestGoroutineSleep(t *testing.T) {
	start := time.Now()
	require.NoError(t, SleepFor(context.Background(), 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepFor(ctx, time.Hour), api.ErrYieldAborted)
	assert.Equal(t, -1, CurrentWorker(ctx))
	assert.Equal(t, InvalidID, SelfID(ctx))
}

func TestReservedHandle(t *testing.T) {
	data := pending(func(context.Context) error { return errors.New("late") })
	h := data.Reserve()
	require.True(t, h.Valid())
	assert.Equal(t, h, data.Reserve())
	assert.False(t, h.Finished())

	task, err := NewTask(data, newFakeOwner(), false)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), task.ID())
	task.Execute(0)
	assert.EqualError(t, h.Err(), "late")
}
