package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Crucible engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Environment metrics
	envsCompleted *prometheus.CounterVec
	envDuration   *prometheus.HistogramVec

	// Sandbox metrics
	sandboxRebuilds *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		envsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envs_completed_total",
				Help:      "Total number of environment runs completed",
			},
			[]string{"env", "outcome"},
		),
		envDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "env_duration_seconds",
				Help:      "Duration of environment execution in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"env", "outcome"},
		),
		sandboxRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_rebuilds_total",
				Help:      "Total number of sandbox rebuilds",
			},
			[]string{"env"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.envsCompleted,
		m.envDuration,
		m.sandboxRebuilds,
		m.errorsByKind,
	)

	return m, nil
}

// RecordRunStarted records the start of a run.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEnvCompleted records a completed environment run.
func (m *Metrics) RecordEnvCompleted(env, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.envsCompleted.WithLabelValues(env, outcome).Inc()
	m.envDuration.WithLabelValues(env, outcome).Observe(duration.Seconds())
}

// RecordSandboxRebuild records a sandbox rebuild.
func (m *Metrics) RecordSandboxRebuild(env string) {
	if m.registry == nil {
		return
	}
	m.sandboxRebuilds.WithLabelValues(env).Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(kind string) {
	if m.registry == nil || kind == "" {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// StartMetricsServer starts the metrics HTTP endpoint when a listen address
// is configured. It serves until the process exits.
func (m *Metrics) StartMetricsServer() error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		//nolint:gosec // local metrics endpoint, lifetime of the process
		if err := http.ListenAndServe(m.config.ListenAddress, mux); err != nil {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
