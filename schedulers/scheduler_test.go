package schedulers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/threads"
)

func newScheduler(t *testing.T, p Policy, mode Mode, w Workers) *QueueScheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Policy = p
	cfg.Mode = mode
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(w))
	return s
}

func nop(context.Context) error { return nil }

func runNow(desc string, prio threads.Priority, worker int) threads.InitData {
	return threads.InitData{
		Func:        nop,
		Description: desc,
		Priority:    prio,
		RunNow:      true,
		Hint:        threads.ThreadHint(worker),
	}
}

func dequeueAll(s *QueueScheduler, worker int) []string {
	var out []string
	for {
		t, ok := s.Dequeue(worker)
		if !ok {
			return out
		}
		out = append(out, t.Description())
	}
}

func TestModeStringRoundTrip(t *testing.T) {
	m, err := ParseMode(DefaultMode.String())
	require.NoError(t, err)
	assert.Equal(t, DefaultMode, m)
	assert.Equal(t, Mode(0x001|0x004|0x008|0x010|0x080), DefaultMode)

	m, err = ParseMode("enable_stealing | enable_idle_backoff")
	require.NoError(t, err)
	assert.Equal(t, EnableStealing|EnableIdleBackoff, m)

	_, err = ParseMode("bogus")
	assert.ErrorIs(t, err, api.ErrBadParameter)
	assert.Equal(t, "nothing_special", NothingSpecial.String())
}

func TestParsePolicy(t *testing.T) {
	for p := PolicyLocal; p <= PolicySharedPriority; p++ {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParsePolicy("local-priority")
	require.NoError(t, err)
	assert.Equal(t, PolicyLocalPriorityFIFO, got)
	_, err = ParsePolicy("fancy")
	assert.ErrorIs(t, err, api.ErrBadParameter)
}

func TestFIFOWithinPriority(t *testing.T) {
	s := newScheduler(t, PolicyLocalPriorityFIFO, NothingSpecial, Workers{Count: 1})
	_, err := s.CreateThread(runNow("n1", threads.PriorityNormal, 0))
	require.NoError(t, err)
	_, err = s.CreateThread(runNow("low", threads.PriorityLow, 0))
	require.NoError(t, err)
	_, err = s.CreateThread(runNow("n2", threads.PriorityNormal, 0))
	require.NoError(t, err)
	_, err = s.CreateThread(runNow("h1", threads.PriorityHigh, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{"h1", "n1", "n2", "low"}, dequeueAll(s, 0))
}

func TestLIFODiscipline(t *testing.T) {
	s := newScheduler(t, PolicyLocalPriorityLIFO, NothingSpecial, Workers{Count: 1})
	for _, d := range []string{"a", "b", "c"} {
		_, err := s.CreateThread(runNow(d, threads.PriorityNormal, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c", "b", "a"}, dequeueAll(s, 0))
}

func TestABPStealsFromOppositeEnd(t *testing.T) {
	s := newScheduler(t, PolicyABPPriorityFIFO, EnableStealing|EnableStealingNUMA, Workers{Count: 2})
	for _, d := range []string{"a", "b", "c"} {
		_, err := s.CreateThread(runNow(d, threads.PriorityNormal, 0))
		require.NoError(t, err)
	}
	thief, ok := s.Dequeue(1)
	require.True(t, ok)
	assert.Equal(t, "c", thief.Description())
	owner, ok := s.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, "a", owner.Description())
	assert.Equal(t, uint64(1), s.Stats().Workers[1].Stolen)
}

func TestStealingHonorsNUMA(t *testing.T) {
	w := Workers{Count: 4, NUMA: []int{0, 0, 1, 1}}
	s := newScheduler(t, PolicyLocal, EnableStealing, w)
	_, err := s.CreateThread(runNow("x", threads.PriorityNormal, 0))
	require.NoError(t, err)

	_, ok := s.Dequeue(2)
	assert.False(t, ok, "no stealing across NUMA domains")
	got, ok := s.Dequeue(1)
	require.True(t, ok)
	assert.Equal(t, "x", got.Description())

	_, err = s.CreateThread(runNow("y", threads.PriorityNormal, 0))
	require.NoError(t, err)
	require.NoError(t, s.AddMode(EnableStealingNUMA))
	got, ok = s.Dequeue(3)
	require.True(t, ok)
	assert.Equal(t, "y", got.Description())
}

func TestStaticRejectsStealing(t *testing.T) {
	s := newScheduler(t, PolicyStatic, DefaultMode, Workers{Count: 2})
	assert.False(t, s.Mode().Has(EnableStealing))
	before := s.Mode()

	assert.ErrorIs(t, s.SetMode(EnableStealing), api.ErrBadParameter)
	assert.ErrorIs(t, s.AddMode(EnableStealingNUMA), api.ErrBadParameter)
	assert.Equal(t, before, s.Mode())
	require.NoError(t, s.SetMode(EnableIdleBackoff))

	_, err := s.CreateThread(runNow("x", threads.PriorityNormal, 0))
	require.NoError(t, err)
	_, ok := s.Dequeue(1)
	assert.False(t, ok)
	_, ok = s.Dequeue(0)
	assert.True(t, ok)
}

func TestBoundWorkIsNeverStolen(t *testing.T) {
	s := newScheduler(t, PolicyLocalPriorityFIFO, EnableStealing|EnableStealingNUMA, Workers{Count: 2})
	_, err := s.CreateThread(runNow("b", threads.PriorityBound, 0))
	require.NoError(t, err)
	_, ok := s.Dequeue(1)
	assert.False(t, ok)
	_, ok = s.Dequeue(0)
	assert.True(t, ok)
}

func TestStagedWorkMaterializes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = NothingSpecial
	cfg.MaxAddNewCount = 2
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(Workers{Count: 1}))

	var handles []threads.Handle
	for i := 0; i < 3; i++ {
		h, err := s.CreateThread(threads.InitData{Func: nop, Description: "staged"})
		require.NoError(t, err)
		require.True(t, h.Valid())
		handles = append(handles, h)
	}
	assert.Equal(t, 3, s.ThreadCount(threads.StateStaged, threads.PriorityDefault, -1))
	_, ok := s.Dequeue(0)
	assert.False(t, ok)

	assert.False(t, s.WaitOrAddNew(0, true))
	assert.Equal(t, 1, s.ThreadCount(threads.StateStaged, threads.PriorityDefault, -1))
	assert.Equal(t, 2, s.QueueLength(0))

	for {
		task, ok := s.Dequeue(0)
		if !ok {
			if s.WaitOrAddNew(0, false) {
				break
			}
			continue
		}
		require.Equal(t, threads.StateTerminated, task.Execute(0))
		s.Destroy(task)
	}
	for _, h := range handles {
		assert.True(t, h.Finished())
	}
}

func TestTerminatedDescriptorsAreRecycled(t *testing.T) {
	s := newScheduler(t, PolicyLocal, NothingSpecial, Workers{Count: 1})
	_, err := s.CreateThread(runNow("first", threads.PriorityNormal, 0))
	require.NoError(t, err)
	task, ok := s.Dequeue(0)
	require.True(t, ok)
	require.Equal(t, threads.StateTerminated, task.Execute(0))
	s.Destroy(task)
	require.True(t, s.CleanupTerminated(false))

	_, err = s.CreateThread(runNow("second", threads.PriorityNormal, 0))
	require.NoError(t, err)
	again, ok := s.Dequeue(0)
	require.True(t, ok)
	assert.Same(t, task, again)
	assert.Equal(t, uint64(1), again.TimesReused())
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Created)
	assert.Equal(t, uint64(1), st.Recycled)

	require.Equal(t, threads.StateTerminated, again.Execute(0))
	s.Destroy(again)
	s.CleanupTerminated(true)
	assert.Equal(t, uint64(1), s.Stats().Destroyed)
}

func TestYieldedTaskGoesLast(t *testing.T) {
	s := newScheduler(t, PolicyLocalPriorityLIFO, NothingSpecial, Workers{Count: 1})
	_, err := s.CreateThread(threads.InitData{
		Func: func(ctx context.Context) error {
			threads.Yield(ctx)
			return nil
		},
		Description: "yielder",
		RunNow:      true,
	})
	require.NoError(t, err)
	_, err = s.CreateThread(runNow("other", threads.PriorityNormal, 0))
	require.NoError(t, err)

	first, _ := s.Dequeue(0)
	require.Equal(t, "other", first.Description())
	y, _ := s.Dequeue(0)
	require.Equal(t, threads.StatePending, y.Execute(0))
	s.EnqueueLast(y, y.Priority(), threads.ThreadHint(0))
	_, err = s.CreateThread(runNow("late", threads.PriorityNormal, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"late", "yielder"}, dequeueAll(s, 0))
}

func TestDeadlockCheckLogsSuspendedTasks(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := DefaultConfig()
	cfg.Logger = zap.New(core)
	cfg.DeadlockIdleLoops = 1
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(Workers{Count: 1}))

	_, err = s.CreateThread(threads.InitData{
		Func: func(ctx context.Context) error {
			a := threads.AgentFromContext(ctx)
			a.Suspend(threads.NewWaitEntry(a), "forgotten event")
			return nil
		},
		Description: "waiter",
		RunNow:      true,
	})
	require.NoError(t, err)
	task, ok := s.Dequeue(0)
	require.True(t, ok)
	require.Equal(t, threads.StateSuspended, task.Execute(0))

	assert.False(t, s.WaitOrAddNew(0, true))
	entries := logs.FilterMessage("suspended task").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "forgotten event", entries[0].ContextMap()["waiting_on"])
	assert.Equal(t, "waiter", entries[0].ContextMap()["description"])

	assert.Equal(t, 1, s.AbortAllSuspended())
	resumed, ok := s.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, threads.StateTerminated, resumed.Execute(0))
}

func TestInactiveWorkersGetNoNewWork(t *testing.T) {
	s := newScheduler(t, PolicyStatic, AssignWorkRoundRobin, Workers{Count: 2})
	s.SetWorkerActive(1, false)
	for i := 0; i < 4; i++ {
		_, err := s.CreateThread(threads.InitData{Func: nop, Description: "rr", RunNow: true})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, s.QueueLength(0))
	assert.Equal(t, 0, s.QueueLength(1))
	assert.False(t, s.Stats().Workers[1].Active)
}

func TestNotifierCalledOnEnqueue(t *testing.T) {
	s := newScheduler(t, PolicyLocal, NothingSpecial, Workers{Count: 3})
	var woken []int
	s.SetNotifier(func(w int) { woken = append(woken, w) })
	_, err := s.CreateThread(runNow("x", threads.PriorityNormal, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, woken)
}

func TestCreateThreadValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireDescription = true
	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.CreateThread(threads.InitData{Func: nop, Description: "x"})
	assert.ErrorIs(t, err, api.ErrInvalidStatus, "not initialized")

	require.NoError(t, s.Init(Workers{Count: 1}))
	_, err = s.CreateThread(threads.InitData{Func: nop})
	assert.ErrorIs(t, err, api.ErrBadParameter)
	_, err = s.CreateThread(threads.InitData{Func: nop, Description: "x", InitialState: threads.StateActive})
	assert.ErrorIs(t, err, api.ErrBadParameter)

	_, err = New(Config{Policy: PolicyUser})
	assert.ErrorIs(t, err, api.ErrBadParameter)
}
