package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the subset of log.Logger needed to report recovered panics.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// PanicPolicy decides what happens after a panic has been recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics with the original value.
	CrashProcess
)

func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}

// Recover handles a panic of the calling goroutine according to policy. It
// must be called directly by a deferred statement.
func Recover(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	recovered := recover()
	if recovered == nil {
		return
	}

	HandlePanicValue(ctx, logger, recovered, component, name)

	if policy == CrashProcess {
		panic(recovered)
	}
}

// HandlePanicValue logs, counts and traces an already recovered panic
// value. It never panics itself.
func HandlePanicValue(ctx context.Context, logger Logger, value any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	production := IsProductionMode()

	if logger != nil {
		fields := []log.Field{
			log.String("component", component),
			log.String("goroutine_name", name),
		}

		if production {
			fields = append(fields, log.String("panic_type", fmt.Sprintf("%T", value)))
		} else {
			fields = append(fields,
				log.String("panic_value", panicMessage(value, false)),
				log.String("stack_trace", string(debug.Stack())),
			)
		}

		logger.Log(ctx, log.LevelError, "panic recovered", fields...)
	}

	recordPanicMetric(ctx, component, name)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(constant.EventPanicRecovered, trace.WithAttributes(
			attribute.String(constant.AttrPrefixPanic+"component", component),
			attribute.String(constant.AttrPrefixPanic+"goroutine_name", name),
			attribute.String(constant.AttrPrefixPanic+"value", panicMessage(value, production)),
		))
		span.SetStatus(codes.Error, "panic recovered")
	}
}
