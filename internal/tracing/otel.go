// Package tracing records restarts, before-run pipelines and launches as
// OpenTelemetry spans. Until Init finds an OTLP endpoint every span is a
// no-op.
package tracing

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kandev/runctl/internal/common/config"
)

const endpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

var (
	mu       sync.RWMutex
	provider trace.TracerProvider = noop.NewTracerProvider()
	exporter *sdktrace.TracerProvider
)

// Init exports spans of the given workspace over OTLP/HTTP. The endpoint is
// a URL; plain http turns off TLS. Init is a no-op without an endpoint or
// when an exporter is already installed.
func Init(ctx context.Context, cfg config.TracingConfig, workspace string) error {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv(endpointEnv)
	}
	if endpoint == "" {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if exporter != nil {
		return nil
	}

	client, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return fmt.Errorf("create otlp exporter for %s: %w", endpoint, err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("runctl.workspace", workspace),
		),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		res = resource.Default()
	}

	exporter = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(client),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	provider = exporter
	otel.SetTracerProvider(provider)
	return nil
}

// sampler follows the parent's decision and samples root spans at ratio.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans and reinstalls the no-op provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := exporter
	exporter = nil
	provider = noop.NewTracerProvider()
	mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
