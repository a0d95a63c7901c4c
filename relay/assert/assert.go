// Package assert checks invariants that must hold when relay components are
// constructed. A failed assertion is logged, recorded on the active span and
// returned as an *AssertionError; it never panics.
package assert

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the subset of log.Logger needed to report failures.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// ErrAssertionFailed is matched by every *AssertionError.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionError describes one failed assertion.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
}

func (e *AssertionError) Error() string {
	if e == nil {
		return ErrAssertionFailed.Error()
	}

	return "assertion failed: " + e.Message
}

func (e *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// Asserter binds assertions to a component and operation.
type Asserter struct {
	ctx       context.Context
	logger    Logger
	component string
	operation string
}

// New returns an Asserter. A nil logger disables logging but not span events.
func New(ctx context.Context, logger Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	return &Asserter{ctx: ctx, logger: logger, component: component, operation: operation}
}

// That fails when ok is false.
func (a *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return a.fail(ctx, "That", msg, kv...)
}

// NotNil fails on nil, including typed nils.
func (a *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !nilcheck.Interface(v) {
		return nil
	}

	return a.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty fails on the empty string.
func (a *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if s != "" {
		return nil
	}

	return a.fail(ctx, "NotEmpty", msg, kv...)
}

// NoError fails when err is not nil.
func (a *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	return a.fail(ctx, "NoError", msg, append([]any{"error", err.Error()}, kv...)...)
}

// Never always fails. Use it on branches that must be unreachable.
func (a *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return a.fail(ctx, "Never", msg, kv...)
}

func (a *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	var (
		logger               Logger
		component, operation string
	)

	if a != nil {
		logger, component, operation = a.logger, a.component, a.operation

		if ctx == nil {
			ctx = a.ctx
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if logger != nil {
		fields := []log.Field{
			log.String("assertion", assertion),
			log.String("component", component),
			log.String("operation", operation),
		}

		for i := 0; i < len(kv); i += 2 {
			var value any = "MISSING_VALUE"
			if i+1 < len(kv) {
				value = kv[i+1]
			}

			fields = append(fields, log.Any(fmt.Sprint(kv[i]), value))
		}

		logger.Log(ctx, log.LevelError, "ASSERTION FAILED: "+msg, fields...)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(constant.EventAssertionFailed, trace.WithAttributes(
			attribute.String(constant.AttrPrefixAssertion+"type", assertion),
			attribute.String(constant.AttrPrefixAssertion+"message", msg),
			attribute.String(constant.AttrPrefixAssertion+"component", component),
			attribute.String(constant.AttrPrefixAssertion+"operation", operation),
		))
	}

	return &AssertionError{Assertion: assertion, Message: msg, Component: component, Operation: operation}
}
