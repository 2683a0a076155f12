// Package tracing sets up the OpenTelemetry tracer provider the daemons export spans with.
package tracing

import (
	"context"
	"fmt"

	"github.com/materials-commons/diode/pkg/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ShutdownFN flushes and stops the tracer provider.
type ShutdownFN func(context.Context) error

// InitTracer installs a global tracer provider exporting over OTLP/HTTP to endpoint. With
// a blank endpoint tracing stays disabled and the no-op global provider is kept.
func InitTracer(ctx context.Context, serviceName, endpoint string) (ShutdownFN, error) {
	if endpoint == "" {
		clog.Global().Debugf("No trace exporter endpoint, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	clog.Global().Infof("Exporting traces for %s to %s", serviceName, endpoint)

	return tp.Shutdown, nil
}
