package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Tracing is configured entirely from the environment so the host programs
// need no extra flags: SLS_TRACE_ENDPOINT (or the standard
// OTEL_EXPORTER_JAEGER_ENDPOINT) names the Jaeger collector, e.g.
// http://localhost:14268/api/traces. Unset means tracing is off.
const traceEndpointEnv = "SLS_TRACE_ENDPOINT"

func traceEndpoint() string {
	if ep := os.Getenv(traceEndpointEnv); ep != "" {
		return ep
	}
	return os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
}

// InitTracing installs a Jaeger-exporting tracer provider for serviceName
// and returns its shutdown func. With no collector endpoint configured it
// returns a no-op shutdown and leaves the global provider untouched.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := traceEndpoint()
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	// Sessions are short-lived relative to typical services; flush often
	// enough that a completed transfer's spans are visible promptly.
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp,
			trace.WithMaxExportBatchSize(256),
			trace.WithBatchTimeout(2*time.Second),
		),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
