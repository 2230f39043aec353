// Package observability wires tracing and metrics for the server.
//
// Tracing uses OpenTelemetry with a stdout span exporter; metrics are
// Prometheus collectors served on /metrics. Both are disabled by default and
// degrade to no-ops when off.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/maestro/pkg/config"
)

// Span names used across the runtime.
const (
	SpanLLMRequest    = "llm.request"
	SpanToolExecution = "tool.execution"
	SpanAgentTurn     = "agent.turn"
)

// Common attribute keys.
const (
	AttrLLMModel  = "llm.model"
	AttrAgentID   = "agent.id"
	AttrToolName  = "tool.name"
	AttrSessionID = "session.id"
)

// InitTracing installs the global tracer provider. The returned shutdown
// function flushes pending spans.
func InitTracing(ctx context.Context, cfg config.ObservabilityConfig) (func(context.Context) error, error) {
	if !cfg.TracingEnabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
