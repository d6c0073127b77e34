package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// StartSpanFunc matches the shape of the teacher's
// observability.StartSpanFunc field on taskRepository: a single
// helper that starts a span and returns the function to end it.
type StartSpanFunc func(ctx context.Context, name string) (context.Context, func())

// NewTracerProvider wires an OTLP-over-gRPC exporter, following the
// teacher's go.mod (otlptracegrpc is its chosen exporter). endpoint
// may be empty, in which case a no-op exporter-less provider is
// returned so the service still runs without a collector present.
func NewTracerProvider(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	if endpoint == "" {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// NewStartSpanFunc adapts an otel Tracer to the StartSpanFunc shape
// internal/store.PostgresStore accepts via WithTracer.
func NewStartSpanFunc(tracer trace.Tracer) StartSpanFunc {
	return func(ctx context.Context, name string) (context.Context, func()) {
		ctx, span := tracer.Start(ctx, name)
		return ctx, func() { span.End() }
	}
}
