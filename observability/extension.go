package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/retakehq/retake/ext"
	"github.com/retakehq/retake/id"
	"github.com/retakehq/retake/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.SessionStarted   = (*MetricsExtension)(nil)
	_ ext.AttemptStarted   = (*MetricsExtension)(nil)
	_ ext.AttemptBlocked   = (*MetricsExtension)(nil)
	_ ext.AttemptSucceeded = (*MetricsExtension)(nil)
	_ ext.RetryScheduled   = (*MetricsExtension)(nil)
	_ ext.SessionEnded     = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via Prometheus.
// Register it as an extension to automatically track session starts,
// attempt rates, moderation blocks per layer, scheduled retries, and
// session outcomes.
type MetricsExtension struct {
	SessionsStarted   prometheus.Counter
	AttemptsStarted   prometheus.Counter
	AttemptsBlocked   *prometheus.CounterVec
	AttemptsSucceeded prometheus.Counter
	RetriesScheduled  prometheus.Counter
	SessionsEnded     *prometheus.CounterVec
}

// NewMetricsExtension creates a MetricsExtension registered on the default
// Prometheus registerer.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsExtensionWithRegisterer creates a MetricsExtension registered
// on the provided registerer. Use a fresh prometheus.NewRegistry() in
// tests to avoid duplicate registration.
func NewMetricsExtensionWithRegisterer(reg prometheus.Registerer) *MetricsExtension {
	factory := promauto.With(reg)
	return &MetricsExtension{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "retake_sessions_started_total",
			Help: "Sessions started.",
		}),
		AttemptsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "retake_attempts_started_total",
			Help: "Trigger invocations that activated the generation control.",
		}),
		AttemptsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retake_attempts_blocked_total",
			Help: "Attempts blocked by moderation, by inferred layer.",
		}, []string{"layer"}),
		AttemptsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "retake_attempts_succeeded_total",
			Help: "Attempts that produced a valid output.",
		}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "retake_retries_scheduled_total",
			Help: "Durable retry and next-unit wakes scheduled.",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "retake_sessions_ended_total",
			Help: "Sessions ended, by terminal outcome.",
		}, []string{"outcome"}),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Lifecycle hooks ─────────────────────────────────

// OnSessionStarted implements ext.SessionStarted.
func (m *MetricsExtension) OnSessionStarted(_ context.Context, _ id.JobKey, _ *job.Session) error {
	m.SessionsStarted.Inc()
	return nil
}

// OnAttemptStarted implements ext.AttemptStarted.
func (m *MetricsExtension) OnAttemptStarted(_ context.Context, _ id.JobKey, _ int, _ string) error {
	m.AttemptsStarted.Inc()
	return nil
}

// OnAttemptBlocked implements ext.AttemptBlocked.
func (m *MetricsExtension) OnAttemptBlocked(_ context.Context, _ id.JobKey, a job.Attempt, _, _ int) error {
	layer := a.Layer
	if layer == "" {
		layer = job.LayerUnknown
	}
	m.AttemptsBlocked.WithLabelValues(string(layer)).Inc()
	return nil
}

// OnAttemptSucceeded implements ext.AttemptSucceeded.
func (m *MetricsExtension) OnAttemptSucceeded(_ context.Context, _ id.JobKey, _ job.Attempt) error {
	m.AttemptsSucceeded.Inc()
	return nil
}

// OnRetryScheduled implements ext.RetryScheduled.
func (m *MetricsExtension) OnRetryScheduled(_ context.Context, _ id.JobKey, _ job.PendingRetry) error {
	m.RetriesScheduled.Inc()
	return nil
}

// OnSessionEnded implements ext.SessionEnded.
func (m *MetricsExtension) OnSessionEnded(_ context.Context, summary *job.Summary) error {
	m.SessionsEnded.WithLabelValues(string(summary.Outcome)).Inc()
	return nil
}
