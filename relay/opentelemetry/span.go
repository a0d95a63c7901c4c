package opentelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span *trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span != nil && *span != nil {
		(*span).AddEvent(eventName, trace.WithAttributes(attributes...))
	}
}

// HandleSpanBusinessErrorEvent records an expected failure as an event
// without marking the span as errored.
func HandleSpanBusinessErrorEvent(span *trace.Span, eventName string, err error) {
	if span != nil && *span != nil && err != nil {
		(*span).AddEvent(eventName, trace.WithAttributes(attribute.String("error", err.Error())))
	}
}

// HandleSpanError marks the span as errored and records err.
func HandleSpanError(span *trace.Span, message string, err error) {
	if span != nil && *span != nil && err != nil {
		(*span).SetStatus(codes.Error, message+": "+err.Error())
		(*span).RecordError(err)
	}
}

// GetTraceIDFromContext returns the active trace id, or "".
func GetTraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}

	return sc.TraceID().String()
}
