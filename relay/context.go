package relay

import (
	"context"

	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type customContextKey string

// CustomContextKey is the context key holding *CustomContextKeyValue.
var CustomContextKey = customContextKey("relay_context")

// CustomContextKeyValue holds the facilities attached to a unit of work.
type CustomContextKeyValue struct {
	Logger log.Logger
	Tracer trace.Tracer
}

func valuesFrom(ctx context.Context) *CustomContextKeyValue {
	current, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if current == nil {
		return &CustomContextKeyValue{}
	}

	clone := *current

	return &clone
}

// ContextWithLogger returns a child context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := valuesFrom(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a child context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := valuesFrom(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// NewLoggerFromContext returns the context logger, or a nop logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values.Logger != nil {
		return values.Logger
	}

	return log.NewNop()
}

// NewTrackingFromContext returns the context logger and tracer, falling back
// to a nop logger and the global tracer.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer) {
	logger := NewLoggerFromContext(ctx)

	if values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue); ok && values.Tracer != nil {
		return logger, values.Tracer
	}

	return logger, otel.Tracer("lib-relay")
}
