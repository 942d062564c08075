// Package tracing wires the global OpenTelemetry tracer provider. Spans are
// exported over OTLP gRPC; when no collector endpoint is configured the
// provider is never installed and the default no-op tracer stays in place.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config holds tracer provider settings.
type Config struct {
	// ServiceName identifies this process in trace backends
	ServiceName string
	// ServiceVersion is stamped on every span resource
	ServiceVersion string
	// Environment distinguishes deployments sharing a collector
	Environment string
	// OTLPEndpoint is the host:port of the OTLP gRPC collector
	OTLPEndpoint string
	// SampleRate in [0,1]; 1 samples every trace
	SampleRate float64
}

// DefaultConfig returns development defaults for the named service.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// ShutdownFunc flushes buffered spans and tears the provider down.
type ShutdownFunc func(context.Context) error

// Init builds and installs the global tracer provider and the W3C
// trace-context propagator. The returned shutdown func must be called on
// process exit so buffered spans reach the collector.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
