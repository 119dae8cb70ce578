// Package observe provides application-wide observability primitives for
// storycircle: OpenTelemetry metrics, distributed tracing, trace-aware
// structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all storycircle metrics.
const meterName = "github.com/MrWong99/storycircle"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a voice session takes to establish,
	// including the broker exchange. Use with attribute:
	//   attribute.String("kind", ...)
	ConnectDuration metric.Float64Histogram

	// SaveDuration tracks conversation create/update latency. Use with
	// attribute:
	//   attribute.String("op", ...)
	SaveDuration metric.Float64Histogram

	// --- Counters ---

	// ConnectAttempts counts connect attempts. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	ConnectAttempts metric.Int64Counter

	// Saves counts persistence writes. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	Saves metric.Int64Counter

	// Transitions counts voice-bot status changes. Use with attribute:
	//   attribute.String("to", ...)
	Transitions metric.Int64Counter

	// Messages counts transcript messages appended. Use with attribute:
	//   attribute.String("role", ...)
	Messages metric.Int64Counter

	// TransportEvents counts events received from the transport. Use with
	// attribute:
	//   attribute.String("event", ...)
	TransportEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live voice sessions.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips to the broker, the bot and the database.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("storycircle.connect.duration",
		metric.WithDescription("Latency of establishing a voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = m.Float64Histogram("storycircle.persist.save.duration",
		metric.WithDescription("Latency of conversation create and update calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectAttempts, err = m.Int64Counter("storycircle.connect.attempts",
		metric.WithDescription("Total connect attempts by transport kind and status."),
	); err != nil {
		return nil, err
	}
	if met.Saves, err = m.Int64Counter("storycircle.persist.saves",
		metric.WithDescription("Total conversation writes by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("storycircle.voicebot.transitions",
		metric.WithDescription("Total voice-bot status changes by target status."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("storycircle.voicebot.messages",
		metric.WithDescription("Total transcript messages by role."),
	); err != nil {
		return nil, err
	}
	if met.TransportEvents, err = m.Int64Counter("storycircle.transport.events",
		metric.WithDescription("Total transport events by event type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("storycircle.active_connections",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("storycircle.http.request.duration",
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

// RecordConnect records one connect attempt and, on success, its latency.
func (m *Metrics) RecordConnect(ctx context.Context, kind, status string, elapsed time.Duration) {
	m.ConnectAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	if status == "ok" {
		m.ConnectDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
}

// RecordSave records one persistence write and its latency.
func (m *Metrics) RecordSave(ctx context.Context, op, status string, elapsed time.Duration) {
	m.Saves.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.SaveDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordTransition records a voice-bot status change.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// RecordMessage records one appended transcript message.
func (m *Metrics) RecordMessage(ctx context.Context, role string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordTransportEvent records one event received from the transport.
func (m *Metrics) RecordTransportEvent(ctx context.Context, event string) {
	m.TransportEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
