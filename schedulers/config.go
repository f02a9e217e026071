// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package schedulers

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/locks"
)

// Config holds scheduler construction parameters.
type Config struct {
	Name   string
	Policy Policy
	Mode   Mode

	// MaxAddNewCount bounds how many staged items one WaitOrAddNew call
	// turns into tasks.
	MaxAddNewCount int
	// MaxTerminatedThreads is the free list capacity per stack class.
	MaxTerminatedThreads int
	// TerminatedQueueSize bounds descriptors awaiting cleanup.
	TerminatedQueueSize int

	DeadlockDetection bool
	// DeadlockIdleLoops is the number of idle rounds between deadlock scans.
	DeadlockIdleLoops int
	// RequireDescription rejects tasks without a description.
	RequireDescription bool

	Logger *zap.Logger
	Clock  clock.Clock
	Locks  *locks.Registry
}

// DefaultConfig returns a local-priority-fifo configuration with the
// default mode.
func DefaultConfig() Config {
	return Config{
		Policy:               PolicyLocalPriorityFIFO,
		Mode:                 DefaultMode,
		MaxAddNewCount:       10,
		MaxTerminatedThreads: 100,
		TerminatedQueueSize:  4096,
		DeadlockDetection:    true,
		DeadlockIdleLoops:    10000,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxAddNewCount <= 0 {
		c.MaxAddNewCount = d.MaxAddNewCount
	}
	if c.MaxTerminatedThreads < 0 {
		c.MaxTerminatedThreads = 0
	}
	if c.TerminatedQueueSize <= 0 {
		c.TerminatedQueueSize = d.TerminatedQueueSize
	}
	if c.DeadlockIdleLoops <= 0 {
		c.DeadlockIdleLoops = d.DeadlockIdleLoops
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Locks == nil {
		c.Locks = locks.NewRegistry(c.Logger)
	}
	if c.Name == "" {
		c.Name = c.Policy.String()
	}
}
