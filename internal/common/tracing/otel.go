// Package tracing wires the shared OTel tracer used by the orchestrator and
// the SQL stores. Spans only leave the process when
// OTEL_EXPORTER_OTLP_ENDPOINT points at a collector; otherwise every tracer
// handed out is the no-op implementation.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "hivecore"

var global struct {
	once sync.Once
	tp   trace.TracerProvider
	sdk  *sdktrace.TracerProvider
}

// Tracer hands out a named tracer from the shared provider, initializing
// the provider on first use.
func Tracer(name string) trace.Tracer {
	global.once.Do(setup)
	return global.tp.Tracer(name)
}

// Shutdown flushes buffered spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if global.sdk == nil {
		return nil
	}
	return global.sdk.Shutdown(ctx)
}

func setup() {
	global.tp = noop.NewTracerProvider()

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	global.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(ctx)),
	)
	global.tp = global.sdk
	otel.SetTracerProvider(global.sdk)
}

// newResource names the service, honoring OTEL_SERVICE_NAME when operators
// run several hivecore instances against one collector.
func newResource(ctx context.Context) *resource.Resource {
	name := os.Getenv("OTEL_SERVICE_NAME")
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return resource.Default()
	}
	return res
}

// stripScheme drops http:// or https://; otlptracehttp wants bare host:port.
func stripScheme(endpoint string) string {
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return rest
	}
	return endpoint
}
