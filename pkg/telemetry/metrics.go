package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tfretry/tfretry/pkg/engine"
)

// Metrics provides Prometheus metrics for tfretry. A disabled instance is a
// no-op, so callers never need to branch on configuration.
type Metrics struct {
	config MetricsConfig

	// Attempt metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	cleanupWarnings prometheus.Counter

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runAttempts   *prometheus.HistogramVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of provisioning attempts",
			},
			[]string{"outcome", "action"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of terraform apply invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		cleanupWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_warnings_total",
				Help:      "Total number of failed destroy cleanups",
			},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of completed runs",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of full retry runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		runAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_attempts",
				Help:      "Number of attempts consumed per run",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.attemptsTotal,
		m.attemptDuration,
		m.cleanupWarnings,
		m.runsCompleted,
		m.runDuration,
		m.runAttempts,
	)

	return m, nil
}

// Record implements engine.Recorder so the orchestrator can fan attempt
// records into metrics alongside the durable sinks.
func (m *Metrics) Record(_ context.Context, rec engine.AttemptRecord) error {
	if m.attemptsTotal == nil {
		return nil
	}
	m.attemptsTotal.WithLabelValues(string(rec.Outcome), string(rec.Action)).Inc()
	m.attemptDuration.WithLabelValues(string(rec.Outcome)).Observe(rec.Duration.Seconds())
	if rec.CleanupWarning != "" {
		m.cleanupWarnings.Inc()
	}
	return nil
}

// RecordRunCompleted records a finished run with its terminal state.
func (m *Metrics) RecordRunCompleted(state engine.RunState, attempts int, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(state)).Inc()
	m.runDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
	m.runAttempts.WithLabelValues(string(state)).Observe(float64(attempts))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer starts an HTTP server to expose metrics. It returns
// immediately; the server runs until Shutdown is called.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
