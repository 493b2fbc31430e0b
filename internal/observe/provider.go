package observe

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attributes describing how this process talks to the backend.
// They are copied onto every Prometheus series as constant labels.
const (
	AttrMode     = attribute.Key("memoirvoice.mode")
	AttrRecorder = attribute.Key("memoirvoice.recorder")
)

var (
	gathererMu sync.Mutex
	gatherer   prometheus.Gatherer = prometheus.DefaultGatherer
)

// MetricsHandler serves the registry wired by the last [InitProvider] call
// in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	gathererMu.Lock()
	g := gatherer
	gathererMu.Unlock()
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "memoirvoice".
	ServiceName    string
	ServiceVersion string

	// Mode and Recorder become the memoirvoice.mode and
	// memoirvoice.recorder resource attributes when set.
	Mode     string
	Recorder string

	// Registry receives the Prometheus collectors. Nil means the default
	// registry, which also carries the Go and process collectors.
	Registry *prometheus.Registry

	// TraceExporter is optional. Without one spans are recorded but not
	// exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs global meter and tracer providers plus the W3C
// trace context propagator. Metrics are bridged to Prometheus and served by
// [MetricsHandler].
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "memoirvoice"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Mode != "" {
		attrs = append(attrs, AttrMode.String(cfg.Mode))
	}
	if cfg.Recorder != "" {
		attrs = append(attrs, AttrRecorder.String(cfg.Recorder))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, err
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gat prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg, gat = cfg.Registry, cfg.Registry
	}
	promExp, err := promexporter.New(
		promexporter.WithRegisterer(reg),
		promexporter.WithResourceAsConstantLabels(attribute.NewAllowKeysFilter(AttrMode, AttrRecorder)),
	)
	if err != nil {
		return nil, err
	}
	gathererMu.Lock()
	gatherer = gat
	gathererMu.Unlock()

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		// Spans flush before metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
