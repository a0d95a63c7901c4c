package zap

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements log.Logger on top of a zap.Logger. The zero value and a
// nil *Logger discard everything.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ log.Logger = (*Logger)(nil)

// FromZap wraps an existing zap logger, typically one built on a test core.
func FromZap(logger *zap.Logger) *Logger {
	return &Logger{logger: logger, atomicLevel: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) base() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

func (l *Logger) derive(logger *zap.Logger) *Logger {
	if l == nil {
		return &Logger{logger: logger, atomicLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
	}

	return &Logger{logger: logger, atomicLevel: l.atomicLevel}
}

// Log writes msg at level. The trace and span ids of an active span in ctx
// are added as trace_id and span_id.
func (l *Logger) Log(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	entry := l.base().Check(toZapLevel(level), escapeControl(msg))
	if entry == nil {
		return
	}

	entry.Write(append(toZapFields(fields), spanFields(ctx)...)...)
}

//nolint:ireturn
func (l *Logger) With(fields ...log.Field) log.Logger {
	return l.derive(l.base().With(toZapFields(fields)...))
}

// WithGroup nests subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) log.Logger {
	return l.derive(l.base().With(zap.Namespace(name)))
}

func (l *Logger) Enabled(level log.Level) bool {
	return l.base().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries unless ctx ends first.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() { done <- l.base().Sync() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Raw returns the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.base()
}

// Level returns the runtime-adjustable level.
func (l *Logger) Level() zap.AtomicLevel {
	if l == nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return l.atomicLevel
}

func spanFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}

	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func toZapLevel(level log.Level) zapcore.Level {
	switch level {
	case log.LevelDebug:
		return zapcore.DebugLevel
	case log.LevelWarn:
		return zapcore.WarnLevel
	case log.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []log.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+2)

	for _, field := range fields {
		switch value := field.Value.(type) {
		case string:
			out = append(out, zap.String(field.Key, escapeControl(value)))
		case error:
			out = append(out, zap.NamedError(field.Key, value))
		default:
			out = append(out, zap.Any(field.Key, value))
		}
	}

	return out
}

// Broker payload fragments reach log messages; escaping line breaks keeps
// them from forging extra lines in console output.
var controlEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

func escapeControl(s string) string {
	return controlEscaper.Replace(s)
}
