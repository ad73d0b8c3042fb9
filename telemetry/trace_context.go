// Package telemetry provides OpenTelemetry helpers for the core.
// All helpers are safe to call when no span is present in the context;
// instrumentation never changes control flow.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dimensigon/aishell/core"
)

const tracerName = "github.com/dimensigon/aishell"

func init() {
	// Install trace correlation into context-aware log lines.
	core.SetTraceFieldsFunc(func(ctx context.Context) map[string]interface{} {
		sc := trace.SpanFromContext(ctx).SpanContext()
		if !sc.IsValid() {
			return nil
		}
		return map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		}
	})
}

// StartSpan starts a child span using the globally configured tracer
// provider. The caller must call End on the returned span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanEvent adds a named event to the current span. Events mark
// meaningful points in time: step transitions, approval decisions,
// lock acquisitions.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the current span and sets the
// span status to Error.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the current span. Keep values
// low-cardinality; never include secrets or raw tool inputs.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}
