// Package telemetry provides optional OTLP tracing. Without a
// configured endpoint a no-op tracer is used, so instrumented call
// sites cost nothing in the default setup.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
)

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tracer trace.Tracer
	sdk    *sdktrace.TracerProvider
}

// Setup builds the provider from config. Disabled or endpoint-less
// config yields a no-op provider.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("clawbridge")}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(sdk)

	return &Provider{tracer: sdk.Tracer("clawbridge"), sdk: sdk}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpointHost(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http", "":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q", cfg.Protocol)
	}
}

// endpointHost strips the scheme; the OTLP exporters want host:port.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// StartQuerySpan opens a span for one agent query.
func (p *Provider) StartQuerySpan(ctx context.Context, userID int64) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "agent.query",
		trace.WithAttributes(attribute.Int64("user.id", userID)))
}

// EndQuerySpan records the query outcome and closes the span.
func EndQuerySpan(span trace.Span, sessionID string, costUSD float64, numTurns int, err error) {
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(
			attribute.String("session.id", sessionID),
			attribute.Float64("query.cost_usd", costUSD),
			attribute.Int("query.num_turns", numTurns),
		)
	}
	span.End()
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk != nil {
		return p.sdk.Shutdown(ctx)
	}
	return nil
}
