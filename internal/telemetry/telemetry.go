// Package telemetry exports traces over OTLP when an endpoint is configured.
// Without one the global no-op tracer provider stays in place and spans cost
// nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/visa-rescheduler/internal/logging"
)

type Shutdown func(ctx context.Context) error

func newResource(serviceName, version string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
}

// Setup installs a batching OTLP/HTTP tracer provider for endpoint. An empty
// endpoint is a no-op.
func Setup(ctx context.Context, serviceName, version, endpoint string, log logging.Logger) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	r, err := newResource(serviceName, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exporter, err := otlptracehttp.New(dialCtx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(provider)
	log.Info("tracer export initialized", "type", "http", "endpoint", endpoint)

	return provider.Shutdown, nil
}
