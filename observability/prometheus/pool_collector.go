// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package prometheus

import (
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-rt/schedulers"
)

// StatsSource is a pool whose scheduler counters can be read at scrape time.
type StatsSource interface {
	Name() string
	Scheduler() schedulers.Scheduler
	ActiveThreads() int
}

// PoolCollector reads scheduler statistics of the added pools on every
// scrape.
type PoolCollector struct {
	mu    sync.RWMutex
	pools []StatsSource

	executed  *prom.Desc
	idleLoops *prom.Desc
	queued    *prom.Desc
	live      *prom.Desc
	staged    *prom.Desc
	active    *prom.Desc
}

var _ prom.Collector = (*PoolCollector)(nil)

// NewPoolCollector builds a collector and registers it with reg.
func NewPoolCollector(namespace string, reg prom.Registerer) (*PoolCollector, error) {
	if namespace == "" {
		namespace = "hioload_rt"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	worker := []string{"pool", "worker"}
	pool := []string{"pool"}
	c := &PoolCollector{
		executed:  prom.NewDesc(prom.BuildFQName(namespace, "scheduler", "executed_total"), "Task slices executed by a worker.", worker, nil),
		idleLoops: prom.NewDesc(prom.BuildFQName(namespace, "scheduler", "idle_loops_total"), "Idle dispatch iterations of a worker.", worker, nil),
		queued:    prom.NewDesc(prom.BuildFQName(namespace, "scheduler", "worker_queued"), "Tasks queued for a worker.", worker, nil),
		live:      prom.NewDesc(prom.BuildFQName(namespace, "scheduler", "live_tasks"), "Tasks alive in the scheduler.", pool, nil),
		staged:    prom.NewDesc(prom.BuildFQName(namespace, "scheduler", "staged_tasks"), "Work items not yet turned into tasks.", pool, nil),
		active:    prom.NewDesc(prom.BuildFQName(namespace, "pool", "active_threads"), "Workers not suspended.", pool, nil),
	}
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Add starts collecting p.
func (c *PoolCollector) Add(p StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, p)
}

// Describe implements prom.Collector.
func (c *PoolCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.executed
	ch <- c.idleLoops
	ch <- c.queued
	ch <- c.live
	ch <- c.staged
	ch <- c.active
}

// Collect implements prom.Collector.
func (c *PoolCollector) Collect(ch chan<- prom.Metric) {
	c.mu.RLock()
	pools := append([]StatsSource(nil), c.pools...)
	c.mu.RUnlock()
	for _, p := range pools {
		name := p.Name()
		st := p.Scheduler().Stats()
		ch <- prom.MustNewConstMetric(c.live, prom.GaugeValue, float64(st.Live), name)
		ch <- prom.MustNewConstMetric(c.staged, prom.GaugeValue, float64(st.Staged), name)
		ch <- prom.MustNewConstMetric(c.active, prom.GaugeValue, float64(p.ActiveThreads()), name)
		for i, w := range st.Workers {
			idx := strconv.Itoa(i)
			ch <- prom.MustNewConstMetric(c.executed, prom.CounterValue, float64(w.Executed), name, idx)
			ch <- prom.MustNewConstMetric(c.idleLoops, prom.CounterValue, float64(w.IdleLoops), name, idx)
			ch <- prom.MustNewConstMetric(c.queued, prom.GaugeValue, float64(w.Queued), name, idx)
		}
	}
}
