// Package observe provides application-wide observability primitives for
// voxctl: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxctl metrics.
const meterName = "github.com/MrWong99/voxctl"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session duration histograms ---

	// STTDuration tracks how long recognition sessions stay open. Use with
	// attribute.String("outcome", ...).
	STTDuration metric.Float64Histogram

	// TTSDuration tracks how long synthesis sessions stay open. Use with
	// attribute.String("outcome", ...).
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Admissions counts admission decisions. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("result", ...)
	Admissions metric.Int64Counter

	// VoiceErrors counts errors surfaced to listeners. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("category", ...)
	VoiceErrors metric.Int64Counter

	// Events counts controller events dispatched. Use with
	// attribute.String("event", ...).
	Events metric.Int64Counter

	// StaleEvictions counts sessions force-removed by the governor sweep.
	StaleEvictions metric.Int64Counter

	// ConfigReloads counts applied configuration changes. Use with
	// attribute.String("source", ...), attribute.String("status", ...).
	ConfigReloads metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attribute.String("breaker", ...), attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks governor sessions. Use with
	// attribute.String("operation", ...).
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks pending speech queue items across controllers.
	QueueDepth metric.Int64UpDownCounter

	// ActiveConnections tracks open host-engine bridge connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for voice
// sessions, which last from sub-second prompts to minute-long dictation.
var sessionBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("voxctl.stt.session.duration",
		metric.WithDescription("Duration of speech recognition sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxctl.tts.session.duration",
		metric.WithDescription("Duration of speech synthesis sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Admissions, err = m.Int64Counter("voxctl.admissions",
		metric.WithDescription("Admission decisions by operation and result."),
	); err != nil {
		return nil, err
	}
	if met.VoiceErrors, err = m.Int64Counter("voxctl.voice.errors",
		metric.WithDescription("Voice errors surfaced to listeners by operation and category."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("voxctl.events",
		metric.WithDescription("Controller events dispatched by name."),
	); err != nil {
		return nil, err
	}
	if met.StaleEvictions, err = m.Int64Counter("voxctl.governor.stale_evictions",
		metric.WithDescription("Voice sessions force-removed as stale."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("voxctl.config.reloads",
		metric.WithDescription("Configuration reloads by source and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxctl.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxctl.active_sessions",
		metric.WithDescription("Number of open governor voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("voxctl.speech_queue.depth",
		metric.WithDescription("Number of pending speech queue items."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxctl.bridge.connections",
		metric.WithDescription("Number of open host-engine bridge connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxctl.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAdmission records one admission decision.
func (m *Metrics) RecordAdmission(ctx context.Context, operation, result string) {
	m.Admissions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("result", result),
		),
	)
}

// RecordVoiceError records one error surfaced to listeners.
func (m *Metrics) RecordVoiceError(ctx context.Context, operation, category string) {
	m.VoiceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("category", category),
		),
	)
}

// RecordEvent records one dispatched controller event.
func (m *Metrics) RecordEvent(ctx context.Context, event string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordSession records the duration of a closed voice session on the
// histogram matching operation ("stt" or "tts").
func (m *Metrics) RecordSession(ctx context.Context, operation, outcome string, d time.Duration) {
	h := m.TTSDuration
	if operation == "stt" {
		h = m.STTDuration
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordConfigReload records one configuration reload attempt.
func (m *Metrics) RecordConfigReload(ctx context.Context, source, status string) {
	m.ConfigReloads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
