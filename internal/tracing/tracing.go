// Package tracing wraps phase invocations in OpenTelemetry spans for deep
// debugging sessions, independent of the PolicyLogger's JSONL event
// stream. Disabled (a no-op global
// tracer provider) unless Init is called.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pipeline"

// Init installs a stdouttrace-backed global TracerProvider and returns a
// shutdown func the caller must invoke before exit to flush pending spans.
// Call only when tracing is explicitly requested (--trace); otherwise the
// default global provider is already a no-op and Tracer() calls are free.
func Init(ctx context.Context) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: creating stdouttrace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(tracerName)))
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package's named tracer off whatever global provider is
// currently installed (no-op unless Init has run).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartPhaseSpan starts a phase.run span carrying the phase key, engine,
// file_id, and retry attempt as attributes.
func StartPhaseSpan(ctx context.Context, phaseKey, engine, fileID string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "phase.run", trace.WithAttributes(
		attribute.String("phase", phaseKey),
		attribute.String("engine", engine),
		attribute.String("file_id", fileID),
		attribute.Int("attempt", attempt),
	))
}
