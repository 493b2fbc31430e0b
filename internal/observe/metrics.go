// Package observe provides application-wide observability primitives for
// memoirvoice: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all memoirvoice metrics.
const meterName = "github.com/MrWong99/memoirvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// RecognitionDuration tracks segment recognition latency.
	RecognitionDuration metric.Float64Histogram

	// LifecycleDuration tracks backend lifecycle call latency. Use with
	// attribute.String("op", ...).
	LifecycleDuration metric.Float64Histogram

	// PlaybackLag tracks how far ahead of the output clock each chunk was
	// scheduled. Negative lag means the chunk arrived after its slot.
	PlaybackLag metric.Float64Histogram

	// --- Counters ---

	// ProtocolMessages counts inbound dialog messages. Use with
	// attribute.String("type", ...).
	ProtocolMessages metric.Int64Counter

	// DialogTransitions counts state changes. Use with attributes
	// attribute.String("from", ...), attribute.String("to", ...).
	DialogTransitions metric.Int64Counter

	// LifecycleRequests counts backend lifecycle calls. Use with attributes
	// attribute.String("op", ...), attribute.String("status", ...).
	LifecycleRequests metric.Int64Counter

	// --- Error counters ---

	RecognitionErrors metric.Int64Counter
	DecodeErrors      metric.Int64Counter
	DroppedFrames     metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live dialog sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips and recognition.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// lagBuckets covers scheduling slack from a late chunk to a deep buffer.
var lagBuckets = []float64{
	-0.5, -0.1, 0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RecognitionDuration, err = m.Float64Histogram("memoirvoice.recognition.duration",
		metric.WithDescription("Latency of segment recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LifecycleDuration, err = m.Float64Histogram("memoirvoice.lifecycle.duration",
		metric.WithDescription("Latency of backend lifecycle calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLag, err = m.Float64Histogram("memoirvoice.playback.schedule_lag",
		metric.WithDescription("Distance between a chunk's start time and the output clock when scheduled."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lagBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProtocolMessages, err = m.Int64Counter("memoirvoice.protocol.messages",
		metric.WithDescription("Inbound dialog messages by type."),
	); err != nil {
		return nil, err
	}
	if met.DialogTransitions, err = m.Int64Counter("memoirvoice.dialog.transitions",
		metric.WithDescription("Dialog state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.LifecycleRequests, err = m.Int64Counter("memoirvoice.lifecycle.requests",
		metric.WithDescription("Backend lifecycle requests by operation and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RecognitionErrors, err = m.Int64Counter("memoirvoice.recognition.errors",
		metric.WithDescription("Segments whose recognition failed."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("memoirvoice.playback.decode_errors",
		metric.WithDescription("Inbound audio chunks skipped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("memoirvoice.capture.dropped_frames",
		metric.WithDescription("Captured frames dropped because the consumer lagged."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("memoirvoice.active_sessions",
		metric.WithDescription("Number of live dialog sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("memoirvoice.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProtocolMessage counts one inbound message of the given type.
func (m *Metrics) RecordProtocolMessage(ctx context.Context, kind string) {
	m.ProtocolMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
}

// RecordTransition counts one dialog state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.DialogTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordLifecycle records one backend lifecycle call.
func (m *Metrics) RecordLifecycle(ctx context.Context, op, status string, d time.Duration) {
	m.LifecycleRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.LifecycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// RecordRecognition records one segment recognition. A non-nil err also
// increments RecognitionErrors.
func (m *Metrics) RecordRecognition(ctx context.Context, d time.Duration, err error) {
	m.RecognitionDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.RecognitionErrors.Add(ctx, 1)
	}
}
