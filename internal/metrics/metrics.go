package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/ragents/internal/event"
	"github.com/Iron-Ham/ragents/internal/memory"
)

const namespace = "ragents"

// Metrics owns a private registry with the engine, memory and checkpoint
// collectors.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsResumed   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runsPaused    prometheus.Counter
	runsActive    prometheus.Gauge
	nodeDuration  *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec
	checkpointOps *prometheus.HistogramVec

	mu     sync.Mutex
	active map[string]bool
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active:   make(map[string]bool),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_started_total",
			Help: "Runs created.",
		}),
		runsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_resumed_total",
			Help: "Runs resumed after a pause or a crash.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		runsPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_paused_total",
			Help: "Pauses for human approval.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_active",
			Help: "Runs currently executing in this process.",
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "node_duration_seconds",
			Help:    "Wall time of node executions including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"node"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "node_retries_total",
			Help: "Retried node attempts.",
		}, []string{"node"}),
		checkpointOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "operation_duration_seconds",
			Help:    "Checkpoint store latency by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(
		m.runsStarted, m.runsResumed, m.runsFinished, m.runsPaused, m.runsActive,
		m.nodeDuration, m.nodeRetries, m.checkpointOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe subscribes the engine collectors to bus and returns the
// subscription ID.
func (m *Metrics) Observe(bus *event.Bus) string {
	return bus.SubscribeAll(m.record)
}

func (m *Metrics) record(e event.Event) {
	switch ev := e.(type) {
	case event.RunStartedEvent:
		m.runsStarted.Inc()
		m.setActive(ev.RunID(), true)
	case event.RunResumedEvent:
		m.runsResumed.Inc()
		m.setActive(ev.RunID(), true)
	case event.RunPausedEvent:
		m.runsPaused.Inc()
		m.setActive(ev.RunID(), false)
	case event.RunCompletedEvent:
		m.runsFinished.WithLabelValues("completed").Inc()
		m.setActive(ev.RunID(), false)
	case event.RunFailedEvent:
		m.runsFinished.WithLabelValues("failed").Inc()
		m.setActive(ev.RunID(), false)
	case event.NodeCompletedEvent:
		m.nodeDuration.WithLabelValues(ev.Node).Observe(ev.Duration.Seconds())
	case event.NodeRetryEvent:
		m.nodeRetries.WithLabelValues(ev.Node).Inc()
	}
}

// setActive keeps the active gauge equal to the number of runs executing.
// A run failed while paused was never counted as active.
func (m *Metrics) setActive(runID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[runID] == active {
		return
	}
	if active {
		m.active[runID] = true
		m.runsActive.Inc()
		return
	}
	delete(m.active, runID)
	m.runsActive.Dec()
}

// RegisterMemory exposes the counters of a memory store.
func (m *Metrics) RegisterMemory(store *memory.Store) {
	counter := func(name, help string, read func(memory.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "memory", Name: name, Help: help,
		}, func() float64 { return float64(read(store.Stats())) })
	}
	m.registry.MustRegister(
		counter("lookups_total", "Memory lookups.", func(s memory.Stats) int64 { return s.Lookups }),
		counter("hits_total", "Memory lookups with at least one match.", func(s memory.Stats) int64 { return s.Hits }),
		counter("fetches_total", "External fetches performed on a cache miss.", func(s memory.Stats) int64 { return s.Fetches }),
		counter("inserts_total", "New memory entries.", func(s memory.Stats) int64 { return s.Inserts }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "memory", Name: "entries",
			Help: "Entries currently held.",
		}, func() float64 { return float64(store.Stats().Entries) }),
	)
}

func (m *Metrics) observeCheckpoint(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.checkpointOps.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
