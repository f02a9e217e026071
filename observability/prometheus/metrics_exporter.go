// Package prometheus exports thread pool metrics to Prometheus.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-rt/threadpool"
	"github.com/momentics/hioload-rt/threads"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts threadpool.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	tasksStolenTotal    *prom.CounterVec
	queueDepth          *prom.GaugeVec
	workerState         *prom.GaugeVec
}

var _ threadpool.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers the collectors. Collectors that
// are already registered under the same name are reused.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "hioload_rt"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(1e-6, 4, 12)
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Duration of one task execution slice in seconds.",
		Buckets:   buckets,
	}, []string{"pool", "priority"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"pool"})
	stolenVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_stolen_total",
		Help:      "Tasks taken from the queues of other workers.",
	}, []string{"pool", "worker"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks queued in the scheduler of a pool.",
	}, []string{"pool"})
	stateVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_state",
		Help:      "Current state of a worker: 1 for the state it is in.",
	}, []string{"pool", "worker", "state"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if stolenVec, err = registerCollector(reg, stolenVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if stateVec, err = registerCollector(reg, stateVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskPanicTotal:      panicVec,
		tasksStolenTotal:    stolenVec,
		queueDepth:          queueDepthVec,
		workerState:         stateVec,
	}, nil
}

// RecordTaskDuration records one execution slice.
func (m *MetricsExporter) RecordTaskDuration(pool string, priority threads.Priority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(pool, "unknown"), priority.String()).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(pool string, _ any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(depth))
}

// RecordTaskStolen counts a steal by worker.
func (m *MetricsExporter) RecordTaskStolen(pool string, worker int) {
	if m == nil {
		return
	}
	m.tasksStolenTotal.WithLabelValues(normalizeLabel(pool, "unknown"), strconv.Itoa(worker)).Inc()
}

// RecordWorkerState sets the state series of worker to 1 and the others to 0.
func (m *MetricsExporter) RecordWorkerState(pool string, worker int, state threadpool.State) {
	if m == nil {
		return
	}
	pool = normalizeLabel(pool, "unknown")
	w := strconv.Itoa(worker)
	for s := threadpool.StateInitialized; s <= threadpool.StateStopped; s++ {
		v := 0.0
		if s == state {
			v = 1
		}
		m.workerState.WithLabelValues(pool, w, s.String()).Set(v)
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
