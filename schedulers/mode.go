// Package schedulers decides which task runs next on which worker.
//
// Every variant shares one implementation parameterized by queue discipline,
// priority handling and stealing policy; Policy selects the variant.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package schedulers

import (
	"strings"

	"github.com/momentics/hioload-rt/api"
)

// Mode is the set of runtime configurable policy bits.
type Mode uint32

const (
	ReduceThreadPriority   Mode = 0x001
	EnableElasticity       Mode = 0x002
	EnableStealing         Mode = 0x004
	EnableStealingNUMA     Mode = 0x008
	AssignWorkRoundRobin   Mode = 0x010
	AssignWorkThreadParent Mode = 0x020
	StealHighPriorityFirst Mode = 0x040
	StealAfterLocal        Mode = 0x080
	EnableIdleBackoff      Mode = 0x100

	NothingSpecial Mode = 0

	DefaultMode = ReduceThreadPriority | EnableStealing | EnableStealingNUMA |
		AssignWorkRoundRobin | StealAfterLocal

	AllFlags = ReduceThreadPriority | EnableElasticity | EnableStealing |
		EnableStealingNUMA | AssignWorkRoundRobin | AssignWorkThreadParent |
		StealHighPriorityFirst | StealAfterLocal | EnableIdleBackoff

	stealingFlags = EnableStealing | EnableStealingNUMA | StealHighPriorityFirst
)

var modeNames = []struct {
	bit  Mode
	name string
}{
	{ReduceThreadPriority, "reduce_thread_priority"},
	{EnableElasticity, "enable_elasticity"},
	{EnableStealing, "enable_stealing"},
	{EnableStealingNUMA, "enable_stealing_numa"},
	{AssignWorkRoundRobin, "assign_work_round_robin"},
	{AssignWorkThreadParent, "assign_work_thread_parent"},
	{StealHighPriorityFirst, "steal_high_priority_first"},
	{StealAfterLocal, "steal_after_local"},
	{EnableIdleBackoff, "enable_idle_backoff"},
}

// Has reports whether all bits of f are set.
func (m Mode) Has(f Mode) bool { return m&f == f }

func (m Mode) String() string {
	if m == NothingSpecial {
		return "nothing_special"
	}
	var parts []string
	for _, n := range modeNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseMode decodes "a|b|c" as produced by String. "default" and "all" are
// accepted as shorthands.
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		switch part {
		case "", "nothing_special":
			continue
		case "default":
			m |= DefaultMode
			continue
		case "all":
			m |= AllFlags
			continue
		}
		found := false
		for _, n := range modeNames {
			if n.name == part {
				m |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, api.Errorf(api.ErrCodeBadParameter, "unknown scheduler mode %q", part)
		}
	}
	return m, nil
}

// Policy selects a scheduler variant.
type Policy uint8

const (
	PolicyLocal Policy = iota
	PolicyLocalPriorityFIFO
	PolicyLocalPriorityLIFO
	PolicyABPPriorityFIFO
	PolicyABPPriorityLIFO
	PolicyStatic
	PolicyStaticPriority
	PolicySharedPriority
	// PolicyUser marks pools built from a caller supplied factory.
	PolicyUser
)

var policyNames = [...]string{
	PolicyLocal:             "local",
	PolicyLocalPriorityFIFO: "local-priority-fifo",
	PolicyLocalPriorityLIFO: "local-priority-lifo",
	PolicyABPPriorityFIFO:   "abp-priority-fifo",
	PolicyABPPriorityLIFO:   "abp-priority-lifo",
	PolicyStatic:            "static",
	PolicyStaticPriority:    "static-priority",
	PolicySharedPriority:    "shared-priority",
	PolicyUser:              "user-defined",
}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

// ParsePolicy decodes a policy name. "local-priority" is an alias of
// local-priority-fifo.
func ParsePolicy(s string) (Policy, error) {
	if s == "local-priority" {
		return PolicyLocalPriorityFIFO, nil
	}
	for p, n := range policyNames {
		if n == s {
			return Policy(p), nil
		}
	}
	return 0, api.Errorf(api.ErrCodeBadParameter, "unknown scheduler policy %q", s)
}

// Discipline is the order in which a queue hands out work.
type Discipline uint8

const (
	FIFO Discipline = iota
	LIFO
	// ABPFIFO: the owner pops the oldest item, thieves take the newest.
	ABPFIFO
	// ABPLIFO: the owner pops the newest item, thieves take the oldest.
	ABPLIFO
)

func (d Discipline) String() string {
	switch d {
	case LIFO:
		return "lifo"
	case ABPFIFO:
		return "abp-fifo"
	case ABPLIFO:
		return "abp-lifo"
	}
	return "fifo"
}

// traits describes a variant.
type traits struct {
	discipline Discipline
	priorities bool
	stealing   bool
	// shared puts one queue set per NUMA domain instead of per worker.
	shared bool
}

func traitsOf(p Policy) traits {
	switch p {
	case PolicyLocalPriorityFIFO:
		return traits{discipline: FIFO, priorities: true, stealing: true}
	case PolicyLocalPriorityLIFO:
		return traits{discipline: LIFO, priorities: true, stealing: true}
	case PolicyABPPriorityFIFO:
		return traits{discipline: ABPFIFO, priorities: true, stealing: true}
	case PolicyABPPriorityLIFO:
		return traits{discipline: ABPLIFO, priorities: true, stealing: true}
	case PolicyStatic:
		return traits{discipline: FIFO}
	case PolicyStaticPriority:
		return traits{discipline: FIFO, priorities: true}
	case PolicySharedPriority:
		return traits{discipline: FIFO, priorities: true, stealing: true, shared: true}
	}
	return traits{discipline: FIFO, stealing: true}
}
