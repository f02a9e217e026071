package coroutine

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rt/api"
)

const testStack = 64 * 1024

func TestResumeYieldHandoff(t *testing.T) {
	var trace []int
	c, err := New(func(self *Self, in int) error {
		trace = append(trace, in)
		in = self.Yield(10)
		trace = append(trace, in)
		in = self.Yield(20)
		trace = append(trace, in)
		return nil
	}, testStack)
	require.NoError(t, err)
	defer c.Destroy()

	out, st := c.Resume(1)
	assert.Equal(t, 10, out)
	assert.Equal(t, Suspended, st)

	out, st = c.Resume(2)
	assert.Equal(t, 20, out)
	assert.Equal(t, Suspended, st)

	out, st = c.Resume(3)
	assert.Equal(t, ExitValue, out)
	assert.Equal(t, ExitedReturn, st)
	assert.Equal(t, []int{1, 2, 3}, trace)
	assert.NoError(t, c.Err())
}

func TestEntryErrorIsKept(t *testing.T) {
	boom := errors.New("boom")
	c, err := New(func(*Self, int) error { return boom }, testStack)
	require.NoError(t, err)
	defer c.Destroy()

	_, st := c.Resume(0)
	assert.Equal(t, ExitedReturn, st)
	assert.ErrorIs(t, c.Err(), boom)
}

func TestPanicIsCaptured(t *testing.T) {
	c, err := New(func(*Self, int) error { panic("kaboom") }, testStack)
	require.NoError(t, err)
	defer c.Destroy()

	_, st := c.Resume(0)
	assert.Equal(t, ExitedAbnormally, st)
	var pe *PanicError
	require.ErrorAs(t, c.Err(), &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestGoexitIsCaptured(t *testing.T) {
	c, err := New(func(*Self, int) error {
		runtime.Goexit()
		return nil
	}, testStack)
	require.NoError(t, err)
	defer c.Destroy()

	_, st := c.Resume(0)
	assert.Equal(t, ExitedAbnormally, st)
	assert.ErrorIs(t, c.Err(), ErrGoexit)

	// The hosting goroutine is gone; rebinding starts a fresh one.
	require.NoError(t, c.Rebind(func(*Self, int) error { return nil }))
	_, st = c.Resume(0)
	assert.Equal(t, ExitedReturn, st)
}

func TestRebindReusesContext(t *testing.T) {
	runs := 0
	c, err := New(func(*Self, int) error { runs++; return nil }, testStack)
	require.NoError(t, err)
	defer c.Destroy()

	_, st := c.Resume(0)
	require.Equal(t, ExitedReturn, st)
	require.EqualValues(t, 0, c.TimesReused())

	second := 0
	require.NoError(t, c.Rebind(func(self *Self, in int) error {
		second++
		return nil
	}))
	assert.EqualValues(t, 1, c.TimesReused())
	assert.Equal(t, Ready, c.Status())

	_, st = c.Resume(0)
	assert.Equal(t, ExitedReturn, st)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, second)
}

func TestRebindRequiresExit(t *testing.T) {
	c, err := New(func(self *Self, _ int) error {
		self.Yield(0)
		return nil
	}, testStack)
	require.NoError(t, err)
	defer c.Destroy()

	require.ErrorIs(t, c.Rebind(func(*Self, int) error { return nil }), api.ErrInvalidStatus)
	c.Resume(0)
	require.ErrorIs(t, c.Rebind(func(*Self, int) error { return nil }), api.ErrInvalidStatus)
}

func TestResumeFinishedContextPanics(t *testing.T) {
	c, err := New(func(*Self, int) error { return nil }, testStack)
	require.NoError(t, err)
	defer c.Destroy()
	c.Resume(0)
	assert.Panics(t, func() { c.Resume(0) })
	assert.False(t, c.IsActive())
}

func TestDoubleResumePanics(t *testing.T) {
	var inner *Context
	var innerPanic any
	outer, err := New(func(self *Self, _ int) error {
		func() {
			defer func() { innerPanic = recover() }()
			inner.Resume(0)
		}()
		return nil
	}, testStack)
	require.NoError(t, err)
	defer outer.Destroy()
	inner = outer

	outer.Resume(0)
	require.NotNil(t, innerPanic)
	assert.ErrorIs(t, innerPanic.(error), api.ErrInvalidStatus)
}

func TestDestroySuspendedRunsDefers(t *testing.T) {
	unwound := make(chan struct{})
	before := Live()
	c, err := New(func(self *Self, _ int) error {
		defer close(unwound)
		self.Yield(0)
		t.Error("resumed after destroy")
		return nil
	}, testStack)
	require.NoError(t, err)
	assert.Equal(t, before+1, Live())

	_, st := c.Resume(0)
	require.Equal(t, Suspended, st)
	c.Destroy()
	<-unwound
	assert.Equal(t, Destroyed, c.Status())
	assert.Equal(t, before, Live())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, testStack)
	assert.ErrorIs(t, err, api.ErrBadParameter)
	_, err = New(func(*Self, int) error { return nil }, 0)
	assert.ErrorIs(t, err, api.ErrBadParameter)
}
