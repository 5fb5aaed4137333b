// Package observability wires OpenTelemetry tracing and metrics around the
// Council pipeline (Adjudicate, judge dispatch, CAWS evaluation) and the
// Orchestrator's task transitions, via a single
// OTLP-over-gRPC exporter config shared by every component instead of one
// per subsystem.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the Provider. Enabled=false (the default) leaves the
// global otel providers as no-ops — every tracer.Start call in the Council,
// Judge Runtime, CAWS Authority, and Orchestrator still works, it
// just doesn't export anywhere, so the ambient instrumentation never forces
// an OTLP collector dependency on a test or single-binary deployment.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
	Enabled        bool
}

// DefaultConfig returns a disabled Provider config; set Enabled (the CLI
// does so on COUNCIL_OTEL_ENABLED=1) before constructing the Provider in
// production.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "helm-council",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		Enabled:        false,
	}
}

// Provider owns the process-wide tracer/meter providers registered with
// otel's global registry. Shutdown must be called to flush pending spans
// and metrics before process exit.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	Tracer trace.Tracer
	Meter  metric.Meter
}

// New constructs a Provider. With cfg.Enabled false it still returns usable
// no-op Tracer/Meter handles (the otel API's default global providers).
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{cfg: cfg}

	if !cfg.Enabled {
		p.Tracer = otel.Tracer(cfg.ServiceName)
		p.Meter = otel.Meter(cfg.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("council.component", "core"),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: merge resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.tracerProvider)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.Tracer = p.tracerProvider.Tracer(cfg.ServiceName)
	p.Meter = p.meterProvider.Meter(cfg.ServiceName)
	return p, nil
}

// Shutdown flushes and closes the trace/metric providers. A no-op Provider
// (Enabled=false) has nothing to flush.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("observability: shutdown tracer provider: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("observability: shutdown meter provider: %w", err)
		}
	}
	return nil
}

// VerdictAttributes returns the span/metric attributes recorded around a
// Council.Adjudicate run.
func VerdictAttributes(taskID, decision, reason string, consensusScore float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("council.task_id", taskID),
		attribute.String("council.decision", decision),
		attribute.String("council.decision_reason", reason),
		attribute.Float64("council.consensus_score", consensusScore),
	}
}

// JudgeAttributes returns the span/metric attributes recorded around one
// judge's Evaluate call.
func JudgeAttributes(judgeID string, latencyMs int64, errKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("council.judge_id", judgeID),
		attribute.Int64("council.judge_latency_ms", latencyMs),
		attribute.String("council.judge_error", errKind),
	}
}
