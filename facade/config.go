// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/momentics/hioload-rt/affinity"
	"github.com/momentics/hioload-rt/api"
	"github.com/momentics/hioload-rt/partitioner"
	"github.com/momentics/hioload-rt/schedulers"
	"github.com/momentics/hioload-rt/threadpool"
	"github.com/momentics/hioload-rt/topology"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvThreads   = "HIOLOAD_RT_THREADS"
	EnvAffinity  = "HIOLOAD_RT_AFFINITY"
	EnvScheduler = "HIOLOAD_RT_SCHEDULER"
	EnvLogLevel  = "HIOLOAD_RT_LOG_LEVEL"
)

// PartitionFunc shapes the pools before the partitioner is configured.
type PartitionFunc func(p *partitioner.Partitioner) error

// Config holds the parameters of one runtime.
type Config struct {
	// NumThreads is the total number of workers; 0 uses every processing
	// unit of the topology.
	NumThreads int
	Affinity   affinity.Options
	// Topology defaults to the discovered machine.
	Topology *topology.Topology

	DefaultPoolName string
	Scheduler       schedulers.Policy
	SchedulerMode   schedulers.Mode
	PartitionerMode partitioner.Mode
	Partition       PartitionFunc

	PinWorkers     bool
	StopAbortAfter time.Duration
	PanicHandler   threadpool.PanicHandler

	// LockDetection verifies that tasks hold no registered lock when they
	// suspend.
	LockDetection  bool
	LockTraceDepth int

	// Logger wins over LogLevel and Development.
	Logger      *zap.Logger
	LogLevel    string
	Development bool

	// Metrics receives pool metrics. When nil and Registerer is set, a
	// Prometheus exporter is built.
	Metrics             threadpool.Metrics
	Registerer          prom.Registerer
	PrometheusNamespace string

	Clock clock.Clock
}

// DefaultConfig returns a balanced runtime over every processing unit.
func DefaultConfig() Config {
	return Config{
		Affinity:        affinity.Options{Mapping: affinity.Balanced},
		DefaultPoolName: partitioner.DefaultPoolName,
		Scheduler:       schedulers.PolicyLocalPriorityFIFO,
		SchedulerMode:   schedulers.DefaultMode,
		PinWorkers:      true,
		StopAbortAfter:  time.Second,
		LockDetection:   true,
		LogLevel:        "info",
	}
}

// ConfigFromEnv applies the HIOLOAD_RT_* overrides to base.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	if v := strings.TrimSpace(os.Getenv(EnvThreads)); v != "" {
		if v == "all" {
			cfg.NumThreads = 0
		} else {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return base, api.Errorf(api.ErrCodeBadParameter, "%s: invalid thread count %q", EnvThreads, v)
			}
			cfg.NumThreads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvAffinity)); v != "" {
		m, err := affinity.ParseMapping(v)
		if err != nil {
			return base, api.Wrap(api.ErrCodeBadParameter, err, EnvAffinity+": invalid mapping")
		}
		cfg.Affinity.Mapping = m
	}
	if v := strings.TrimSpace(os.Getenv(EnvScheduler)); v != "" {
		p, err := schedulers.ParsePolicy(v)
		if err != nil {
			return base, api.Wrap(api.ErrCodeBadParameter, err, EnvScheduler+": invalid policy")
		}
		cfg.Scheduler = p
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}
