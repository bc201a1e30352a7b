package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/b9b4ymiN/jellycore/internal/config"
)

// SetupTracing wires the OTLP trace pipeline when an endpoint is
// configured; without one, tracing stays off and the returned shutdown is
// nil. Spans from the repos and the pipeline carry the install's topology
// so traces from several orchestrators can share one collector.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("OTLP endpoint not set; tracing disabled")
		return nil, nil
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=observability.SetupTracing: %w", err)
	}

	res, err := orchestratorResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=observability.SetupTracing: %w", err)
	}

	ratio := sampleRatio(cfg)
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing configured",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_ratio", ratio))
	return tp.Shutdown, nil
}

// orchestratorResource identifies this install: beyond the service name,
// collectors group traces by the main group folder and the agent image the
// runs were spawned from.
func orchestratorResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
		attribute.String("orchestrator.main_group", cfg.MainGroupFolder),
		attribute.String("orchestrator.container_image", cfg.ContainerImage),
	))
}

// sampleRatio resolves the effective sampling fraction. An explicit
// OTEL_TRACE_SAMPLE_RATIO wins; otherwise dev traces everything and prod
// keeps a tenth, which is plenty given every receipt already records its
// own lifecycle.
func sampleRatio(cfg config.Config) float64 {
	if cfg.TraceSampleRatio > 0 && cfg.TraceSampleRatio <= 1 {
		return cfg.TraceSampleRatio
	}
	if cfg.IsProd() {
		return 0.1
	}
	return 1.0
}
