// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package locks

import "github.com/momentics/hioload-rt/api"

// Tracker is the held-lock map of a single agent. It is only ever used by
// the agent that owns it, so it needs no synchronization. A nil Tracker is
// valid and tracks nothing.
type Tracker struct {
	reg       *Registry
	held      map[any]*HeldLock
	order     []any
	ignoreAll int
}

func (t *Tracker) active() bool { return t != nil && t.reg.Enabled() }

// RegisterLock records lock as held. It returns false if it was already held
// or tracking is off.
func (t *Tracker) RegisterLock(lock any, data any) bool {
	if !t.active() {
		return false
	}
	if t.held == nil {
		t.held = make(map[any]*HeldLock)
	}
	if _, dup := t.held[lock]; dup {
		return false
	}
	t.held[lock] = &HeldLock{Lock: lock, Data: data, Backtrace: t.reg.backtrace()}
	t.order = append(t.order, lock)
	return true
}

// UnregisterLock forgets lock. Unregistering an unknown lock returns false.
func (t *Tracker) UnregisterLock(lock any) bool {
	if t == nil || t.held == nil {
		return false
	}
	if _, ok := t.held[lock]; !ok {
		return false
	}
	delete(t.held, lock)
	for i, l := range t.order {
		if l == lock {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// IgnoreLock excludes lock from VerifyNoLocks until ResetIgnoredLock.
func (t *Tracker) IgnoreLock(lock any) bool {
	if t == nil || t.held == nil {
		return false
	}
	h, ok := t.held[lock]
	if !ok {
		return false
	}
	h.Ignored = true
	return true
}

// ResetIgnoredLock makes lock visible to VerifyNoLocks again.
func (t *Tracker) ResetIgnoredLock(lock any) bool {
	if t == nil || t.held == nil {
		return false
	}
	h, ok := t.held[lock]
	if !ok {
		return false
	}
	h.Ignored = false
	return true
}

// IgnoreAllLocks suppresses VerifyNoLocks. Calls nest.
func (t *Tracker) IgnoreAllLocks() {
	if t != nil {
		t.ignoreAll++
	}
}

// ResetIgnoredAllLocks undoes one IgnoreAllLocks.
func (t *Tracker) ResetIgnoredAllLocks() {
	if t != nil && t.ignoreAll > 0 {
		t.ignoreAll--
	}
}

// HeldLocks lists registered locks in registration order.
func (t *Tracker) HeldLocks() []HeldLock {
	if t == nil {
		return nil
	}
	out := make([]HeldLock, 0, len(t.order))
	for _, l := range t.order {
		out = append(out, *t.held[l])
	}
	return out
}

// VerifyNoLocks checks that no non-ignored lock is held. On violation it
// calls the registry's error handler and returns a lock_error.
func (t *Tracker) VerifyNoLocks(agent string) error {
	if !t.active() || t.ignoreAll > 0 {
		return nil
	}
	var bad []HeldLock
	for _, l := range t.order {
		if h := t.held[l]; !h.Ignored {
			bad = append(bad, *h)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	t.reg.errorHandler()(agent, bad)
	return api.Errorf(api.ErrCodeLockError, "%s holds %d lock(s) at a suspension point", agent, len(bad))
}

// Reset drops all bookkeeping, used when the owning descriptor is recycled.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.held = nil
	t.order = t.order[:0]
	t.ignoreAll = 0
}
