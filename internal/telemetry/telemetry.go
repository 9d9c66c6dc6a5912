// Package telemetry provides per-session tracing spans via OpenTelemetry,
// wired the way an internal/agentctl/tracing package initializes
// the SDK: a real exporter when configured, a no-op tracer otherwise.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/relay/internal/config"
)

var (
	mu             sync.Mutex
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
	serviceName                        = "relay"
)

// Init configures the process-wide tracer provider from cfg. Call once at
// startup before any Tracer() calls; safe to call with Telemetry.Enabled
// false, in which case all tracers remain no-ops.
func Init(ctx context.Context, cfg config.TelemetryConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		return nil
	}
	if cfg.ServiceName != "" {
		serviceName = cfg.ServiceName
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
	return nil
}

// Tracer returns a named tracer. Returns a no-op tracer if Init was never
// called or tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and releases the exporter connection.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
