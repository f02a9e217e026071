// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package synchronization

import (
	"context"
	"time"

	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/threads"
)

// anonymous owns locks taken by goroutines without an agent in their
// context. Such callers can not be told apart: self relock is not detected
// and any anonymous caller may unlock.
const anonymous = ^uint64(0)

type identity struct {
	agent threads.Agent
	id    uint64
}

func identify(ctx context.Context) identity {
	if a, ok := threads.AgentOf(ctx); ok {
		return identity{agent: a, id: a.AgentID()}
	}
	return identity{agent: threads.AgentFromContext(ctx), id: anonymous}
}

// Mutex is a task aware mutual exclusion lock that records its owner.
type Mutex struct {
	mtx    Spinlock
	cv     ConditionVariable
	owner  uint64
	locked bool
	desc   string
}

// NewMutex returns an unlocked mutex; desc shows up in deadlock reports.
func NewMutex(desc string) *Mutex {
	if desc == "" {
		desc = "mutex"
	}
	return &Mutex{desc: desc}
}

func (m *Mutex) description() string {
	if m.desc == "" {
		return "mutex"
	}
	return m.desc
}

// Lock acquires m, suspending the caller while another agent holds it.
// Relocking by the owner fails with a deadlock error.
func (m *Mutex) Lock(ctx context.Context) error {
	_, err := m.lockUntil(ctx, time.Time{})
	return err
}

func (m *Mutex) lockUntil(ctx context.Context, deadline time.Time) (bool, error) {
	who := identify(ctx)
	m.mtx.Lock()
	if m.locked && who.id != anonymous && m.owner == who.id {
		m.mtx.Unlock()
		return false, api.Errorf(api.ErrCodeDeadlock, "%s: owner %d relocks", m.description(), who.id)
	}
	for m.locked {
		var reason threads.RestartReason
		if deadline.IsZero() {
			reason = m.cv.Wait(ctx, &m.mtx, m.description())
		} else {
			reason = m.cv.WaitUntil(ctx, &m.mtx, deadline, m.description())
		}
		switch reason {
		case threads.RestartTimeout:
			m.mtx.Unlock()
			return false, nil
		case threads.RestartAbort:
			m.mtx.Unlock()
			return false, waitErr(ctx, reason, m.description()+" lock")
		}
	}
	m.locked = true
	m.owner = who.id
	m.mtx.Unlock()
	who.agent.Locks().RegisterLock(m, nil)
	return true, nil
}

// TryLock acquires m if it is free.
func (m *Mutex) TryLock(ctx context.Context) bool {
	who := identify(ctx)
	m.mtx.Lock()
	if m.locked {
		m.mtx.Unlock()
		return false
	}
	m.locked = true
	m.owner = who.id
	m.mtx.Unlock()
	who.agent.Locks().RegisterLock(m, nil)
	return true
}

// Unlock releases m and wakes the oldest waiter. Only the owner may unlock.
func (m *Mutex) Unlock(ctx context.Context) error {
	who := identify(ctx)
	m.mtx.Lock()
	if !m.locked {
		m.mtx.Unlock()
		return api.Errorf(api.ErrCodeLockError, "%s: unlock of an unlocked mutex", m.description())
	}
	if m.owner != who.id && m.owner != anonymous {
		owner := m.owner
		m.mtx.Unlock()
		return api.Errorf(api.ErrCodeLockError, "%s: unlocked by %d, owned by %d", m.description(), who.id, owner)
	}
	m.locked = false
	m.owner = 0
	m.cv.NotifyOne()
	m.mtx.Unlock()
	who.agent.Locks().UnregisterLock(m)
	return nil
}

// Owner returns the id of the owning agent, 0 when unlocked.
func (m *Mutex) Owner() uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.owner
}

// IsLocked reports whether somebody holds m.
func (m *Mutex) IsLocked() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.locked
}

// Close aborts all waiters.
func (m *Mutex) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return closeWaiters(&m.cv, m.description())
}

// TimedMutex is a Mutex with deadline bounded acquisition.
type TimedMutex struct {
	Mutex
}

// NewTimedMutex returns an unlocked timed mutex.
func NewTimedMutex(desc string) *TimedMutex {
	if desc == "" {
		desc = "timed mutex"
	}
	return &TimedMutex{Mutex{desc: desc}}
}

// TryLockUntil waits for m until deadline. A timeout returns false and no
// error.
func (m *TimedMutex) TryLockUntil(ctx context.Context, deadline time.Time) (bool, error) {
	return m.lockUntil(ctx, deadline)
}

// TryLockFor waits for m at most d.
func (m *TimedMutex) TryLockFor(ctx context.Context, d time.Duration) (bool, error) {
	now := threads.AgentFromContext(ctx).Clock().Now()
	return m.lockUntil(ctx, now.Add(d))
}

// RecursiveMutex may be locked repeatedly by its owner; it is released
// after as many unlocks. Goroutine callers need threads.WithExternalAgent
// to be recognized as the same owner.
type RecursiveMutex struct {
	m     Mutex
	count int
}

// NewRecursiveMutex returns an unlocked recursive mutex.
func NewRecursiveMutex(desc string) *RecursiveMutex {
	if desc == "" {
		desc = "recursive mutex"
	}
	return &RecursiveMutex{m: Mutex{desc: desc}}
}

func (r *RecursiveMutex) reenter(ctx context.Context) bool {
	who := identify(ctx)
	if who.id == anonymous {
		return false
	}
	r.m.mtx.Lock()
	defer r.m.mtx.Unlock()
	if r.m.locked && r.m.owner == who.id {
		r.count++
		return true
	}
	return false
}

// Lock acquires r or deepens the recursion of its owner.
func (r *RecursiveMutex) Lock(ctx context.Context) error {
	if r.reenter(ctx) {
		return nil
	}
	if err := r.m.Lock(ctx); err != nil {
		return err
	}
	r.count = 1
	return nil
}

// TryLock acquires r without waiting.
func (r *RecursiveMutex) TryLock(ctx context.Context) bool {
	if r.reenter(ctx) {
		return true
	}
	if !r.m.TryLock(ctx) {
		return false
	}
	r.count = 1
	return true
}

// Unlock undoes one Lock.
func (r *RecursiveMutex) Unlock(ctx context.Context) error {
	who := identify(ctx)
	r.m.mtx.Lock()
	if !r.m.locked || (r.m.owner != who.id && r.m.owner != anonymous) {
		r.m.mtx.Unlock()
		return api.Errorf(api.ErrCodeLockError, "%s: unlock by non-owner %d", r.m.description(), who.id)
	}
	if r.count > 1 {
		r.count--
		r.m.mtx.Unlock()
		return nil
	}
	r.count = 0
	r.m.mtx.Unlock()
	return r.m.Unlock(ctx)
}

// Owner returns the id of the owning agent, 0 when unlocked.
func (r *RecursiveMutex) Owner() uint64 { return r.m.Owner() }
