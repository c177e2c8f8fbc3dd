// Package tracing wires OpenTelemetry for the relay: an OTLP/HTTP exporter,
// W3C propagation over HTTP headers and a few span helpers.
package tracing

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/control_core"

// Span attribute keys shared by ingestion and delivery
const (
	EventIDKey       = attribute.Key("event.id")
	EventClientKey   = attribute.Key("event.client_id")
	EventActionKey   = attribute.Key("event.action")
	EventAttemptsKey = attribute.Key("event.attempts")
	TargetNameKey    = attribute.Key("target.name")
)

// EventAttributes describes one relayed event on a span
func EventAttributes(id, clientID, action string, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		EventIDKey.String(id),
		EventClientKey.String(clientID),
		EventActionKey.String(action),
		EventAttemptsKey.Int(attempts),
	}
}

// InitTracing installs the W3C propagator and, unless OTEL_SDK_DISABLED=true,
// a batching tracer provider exporting to OTEL_EXPORTER_OTLP_ENDPOINT.
// The returned func flushes and stops the provider.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if envBool("OTEL_SDK_DISABLED") {
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(serviceAttributes(serviceName)...),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint()),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler()),
	)
	otel.SetTracerProvider(tp)

	return func() {
		_ = tp.Shutdown(context.WithoutCancel(ctx))
	}, nil
}

// GetTracer returns the relay tracer
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span under ctx carrying attrs
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return GetTracer().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError records err on the current span and marks it failed
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the trace id of the span in ctx, or "" when there is none
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHTTPHeaders writes the trace context of ctx into outgoing request headers
func InjectHTTPHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTPHeaders returns ctx enriched with the trace context carried by incoming headers
func ExtractHTTPHeaders(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

func serviceAttributes(serviceName string) []attribute.KeyValue {
	version := os.Getenv("SERVICE_VERSION")
	if version == "" {
		version = "dev"
	}
	instance := os.Getenv("HOSTNAME")
	if instance == "" {
		instance = "unknown"
	}
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
		semconv.ServiceInstanceIDKey.String(instance),
	}
}

// sampler honours OTEL_TRACES_SAMPLER_ARG as a ratio; parents always decide first
func sampler() trace.Sampler {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil || ratio >= 1 || ratio < 0 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

// otlpEndpoint returns OTEL_EXPORTER_OTLP_ENDPOINT as the host:port otlptracehttp expects
func otlpEndpoint() string {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return "localhost:4318"
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
