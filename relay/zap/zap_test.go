//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)

	return FromZap(zap.New(core)), logs
}

func TestLogger_LogMapsLevels(t *testing.T) {
	logger, logs := newObserved(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelDebug, "d")
	logger.Log(context.Background(), logpkg.LevelInfo, "i")
	logger.Log(context.Background(), logpkg.LevelWarn, "w")
	logger.Log(context.Background(), logpkg.LevelError, "e")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestLogger_FieldsAndSanitization(t *testing.T) {
	logger, logs := newObserved(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "line1\nline2",
		logpkg.String("message_type", "order\nplaced"),
		logpkg.Int("retry", 2),
		logpkg.Err(errors.New("boom")),
	)

	entry := logs.All()[0]
	assert.Equal(t, `line1\nline2`, entry.Message)

	ctx := entry.ContextMap()
	assert.Equal(t, `order\nplaced`, ctx["message_type"])
	assert.EqualValues(t, 2, ctx["retry"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestLogger_AppendsTraceIDs(t *testing.T) {
	logger, logs := newObserved(zapcore.DebugLevel)

	provider := sdktrace.NewTracerProvider()
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Log(ctx, logpkg.LevelInfo, "traced")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
}

func TestLogger_WithAndEnabled(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "dispatcher"))
	child.Log(context.Background(), logpkg.LevelDebug, "suppressed")
	child.Log(context.Background(), logpkg.LevelInfo, "kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "dispatcher", logs.All()[0].ContextMap()["component"])
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
	assert.True(t, logger.Enabled(logpkg.LevelError))
}

func TestLogger_NilIsSafe(t *testing.T) {
	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelError, "nothing")
	})
	assert.NotNil(t, logger.Raw())
}

func TestLogger_SyncHonorsCancelledContext(t *testing.T) {
	logger, _ := newObserved(zapcore.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, logger.Sync(ctx), context.Canceled)
}

func TestNew_ValidatesConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"missing library":     {Environment: EnvironmentLocal, OTelLibraryName: "  "},
		"unknown environment": {Environment: "mars", OTelLibraryName: "relay"},
		"bad level":           {Environment: EnvironmentLocal, OTelLibraryName: "relay", Level: "loud"},
	} {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}

func TestLogger_NilDerivesUsableLogger(t *testing.T) {
	var logger *Logger

	child := logger.With(logpkg.String("component", "consumer"))
	require.NotNil(t, child)
	assert.False(t, child.Enabled(logpkg.LevelError), "derived from a nop core")
	assert.Equal(t, zapcore.InfoLevel, logger.Level().Level())
}

func TestNew_ResolvesLevelByEnvironment(t *testing.T) {
	logger, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "relay"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "relay"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "relay", Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, logger.Level().Level())
}
