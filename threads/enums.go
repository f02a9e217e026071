// Package threads defines lightweight task descriptors, their state machine
// and the agent abstraction used by synchronization primitives to suspend
// and resume whoever is calling them.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package threads

import "fmt"

// ScheduleState is the lifecycle state of a task.
type ScheduleState uint8

const (
	StateUnknown    ScheduleState = iota
	StateActive                   // running on a worker
	StatePending                  // runnable, waiting for a worker
	StateSuspended                // waiting to be woken
	StateTerminated               // finished, may be recycled
	// StateStaged refers to work that has not been materialized into a task.
	StateStaged
	// StatePendingDoNotSchedule is pending but must not be queued until
	// somebody explicitly makes it pending.
	StatePendingDoNotSchedule
	// StatePendingBoost is pending with its first run at high priority.
	StatePendingBoost
)

var stateNames = [...]string{
	StateUnknown:              "unknown",
	StateActive:               "active",
	StatePending:              "pending",
	StateSuspended:            "suspended",
	StateTerminated:           "terminated",
	StateStaged:               "staged",
	StatePendingDoNotSchedule: "pending_do_not_schedule",
	StatePendingBoost:         "pending_boost",
}

func (s ScheduleState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ValidInitialState reports whether new work may start in s.
func ValidInitialState(s ScheduleState) bool {
	switch s {
	case StatePending, StatePendingDoNotSchedule, StatePendingBoost, StateSuspended:
		return true
	}
	return false
}

// RestartReason records why a suspended task was resumed.
type RestartReason uint8

const (
	RestartUnknown RestartReason = iota
	RestartSignaled
	RestartTimeout
	RestartTerminate
	RestartAbort
)

func (r RestartReason) String() string {
	switch r {
	case RestartSignaled:
		return "signaled"
	case RestartTimeout:
		return "timeout"
	case RestartTerminate:
		return "terminate"
	case RestartAbort:
		return "abort"
	}
	return "unknown"
}

// Priority is the scheduling class of a task.
type Priority uint8

const (
	PriorityDefault Priority = iota
	PriorityLow
	PriorityNormal
	// PriorityHighRecursive is high and propagates to children.
	PriorityHighRecursive
	// PriorityBoost runs the first time at high priority, then as normal.
	PriorityBoost
	PriorityHigh
	// PriorityBound is normal priority but never stolen.
	PriorityBound
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHighRecursive:
		return "high_recursive"
	case PriorityBoost:
		return "boost"
	case PriorityHigh:
		return "high"
	case PriorityBound:
		return "bound"
	}
	return "default"
}

// IsHigh reports whether p is served from high-priority queues.
func (p Priority) IsHigh() bool {
	return p == PriorityHigh || p == PriorityHighRecursive || p == PriorityBoost
}

// ParsePriority decodes the names produced by String.
func ParsePriority(s string) (Priority, bool) {
	for p := PriorityDefault; p <= PriorityBound; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return PriorityDefault, false
}

// StackSize is a stack size class.
type StackSize uint8

const (
	StackDefault StackSize = iota
	StackSmall
	StackMedium
	StackLarge
	StackHuge
	// StackNone runs the task inline on the worker; it can not suspend.
	StackNone
	// StackCurrent inherits the class of the creating task.
	StackCurrent
)

// Bytes returns the nominal size of the class.
func (s StackSize) Bytes() int {
	switch s {
	case StackSmall:
		return 16 << 10
	case StackMedium:
		return 64 << 10
	case StackLarge:
		return 256 << 10
	case StackHuge:
		return 2 << 20
	case StackNone:
		return 0
	}
	return 64 << 10
}

func (s StackSize) String() string {
	switch s {
	case StackSmall:
		return "small"
	case StackMedium:
		return "medium"
	case StackLarge:
		return "large"
	case StackHuge:
		return "huge"
	case StackNone:
		return "nostack"
	case StackCurrent:
		return "current"
	}
	return "default"
}

// HintMode selects what a ScheduleHint points at.
type HintMode uint8

const (
	HintNone HintMode = iota
	HintThread
	HintNUMA
)

// ScheduleHint asks the scheduler for a placement.
type ScheduleHint struct {
	Mode  HintMode
	Value int
}

// ThreadHint targets one worker.
func ThreadHint(worker int) ScheduleHint { return ScheduleHint{Mode: HintThread, Value: worker} }

// NUMAHint targets any worker of a NUMA domain.
func NUMAHint(node int) ScheduleHint { return ScheduleHint{Mode: HintNUMA, Value: node} }
