package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/avtune/avtune/pkg/engine"
)

// Metrics holds the avtune Prometheus collectors on a private registry.
type Metrics struct {
	config MetricsConfig

	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   prometheus.Histogram

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec

	verifyOutcomes *prometheus.CounterVec
	commits        *prometheus.CounterVec
	errors         *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "avtune"
	}
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of recipe sessions started",
		}),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of recipe sessions completed, by final status",
			},
			[]string{"status"},
		),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of recipe sessions in seconds",
			Buckets:   buckets,
		}),

		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of actions executed, by module and result",
			},
			[]string{"module", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"module"},
		),

		verifyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verify_outcomes_total",
				Help:      "Post-apply verification outcomes",
			},
			[]string{"outcome"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Versioning commits, by result",
			},
			[]string{"result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by engine error code",
			},
			[]string{"code"},
		),
	}

	if err := m.register(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register() error {
	for _, c := range []prometheus.Collector{
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.actions,
		m.actionDuration,
		m.verifyOutcomes,
		m.commits,
		m.errors,
	} {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted() {
	m.sessionsStarted.Inc()
}

// RecordSessionCompleted records a finished session with its status and duration.
func (m *Metrics) RecordSessionCompleted(status string, duration time.Duration) {
	m.sessionsCompleted.WithLabelValues(status).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordAction records one executed action.
func (m *Metrics) RecordAction(module, result string, duration time.Duration) {
	m.actions.WithLabelValues(module, result).Inc()
	m.actionDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// RecordVerify records a verification outcome.
func (m *Metrics) RecordVerify(outcome string) {
	m.verifyOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCommit records a versioning commit result.
func (m *Metrics) RecordCommit(result string) {
	m.commits.WithLabelValues(result).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	m.errors.WithLabelValues(code).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Flush writes the registry to the configured textfile. It is a no-op when
// no file is configured.
func (m *Metrics) Flush() error {
	if m.config.File == "" {
		return nil
	}
	return m.WriteToTextfile(m.config.File)
}

// WriteToTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Timer measures an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
