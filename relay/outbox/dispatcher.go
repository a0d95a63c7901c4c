package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	"github.com/LerianStudio/lib-relay/relay/circuitbreaker"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher moves claimed outbox rows to the message bus and records each
// outcome back on the row. Several dispatchers may share one store.
type Dispatcher struct {
	store           Store
	bus             MessageBus
	retryClassifier RetryClassifier
	logger          libLog.Logger
	tracer          trace.Tracer
	cfg             DispatcherConfig
	now             func() time.Time
	newLockID       func() string

	breaker        *circuitbreaker.Manager
	breakerService string

	runStateMu    sync.Mutex
	running       bool
	stopRequested bool
	cancelFunc    context.CancelFunc
	dispatchWg    sync.WaitGroup

	metrics dispatcherMetrics
}

var _ relay.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed           int
	Published         int
	Failed            int
	Poisoned          int
	StateUpdateFailed int
}

// NewDispatcher creates an outbox dispatcher over store and bus.
func NewDispatcher(store Store, bus MessageBus, opts ...DispatcherOption) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(bus) {
		return nil, ErrMessageBusRequired
	}

	dispatcher := &Dispatcher{
		store:           store,
		bus:             bus,
		retryClassifier: PermanentErrorClassifier,
		logger:          libLog.NewNop(),
		tracer:          noop.NewTracerProvider().Tracer("relay.noop"),
		cfg:             DefaultDispatcherConfig(),
		now:             func() time.Time { return time.Now().UTC() },
		newLockID:       NewLockID,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the effective configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run polls the store until ctx is cancelled or Stop is called. A cycle that
// has claimed rows always runs to completion; cancellation is observed
// between cycles. Cycle errors are logged and never end the loop. A Stop that
// arrives while no loop is running makes the next Run return at once.
func (dispatcher *Dispatcher) Run(parentCtx context.Context, launcher *relay.Launcher) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.bus == nil {
		return ErrOutboxDispatcherNil
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel, launcher) {
		cancel()

		return ErrOutboxDispatcherRunning
	}

	defer dispatcher.clearRun()

	logger := dispatcher.logger

	logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher started",
		libLog.Int("batch_size", dispatcher.cfg.BatchSize),
		libLog.Duration("poll_interval", dispatcher.cfg.PollInterval),
		libLog.Duration("lock_timeout", dispatcher.cfg.LockTimeout),
		libLog.Int("max_retry_count", dispatcher.cfg.MaxRetryCount),
	)
	defer logger.Log(context.Background(), libLog.LevelInfo, "outbox dispatcher stopped")

	for ctx.Err() == nil {
		result, err := dispatcher.runCycle(ctx)

		if err == nil && result.Claimed > 0 {
			continue
		}

		if waitErr := backoff.WaitContext(ctx, dispatcher.cfg.PollInterval); waitErr != nil {
			break
		}
	}

	return nil
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context) (result DispatchResult, err error) {
	if !dispatcher.beginCycle() {
		return DispatchResult{}, nil
	}

	defer dispatcher.dispatchWg.Done()

	cycleCtx := context.WithoutCancel(ctx)

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(cycleCtx, dispatcher.logger, recovered, "outbox", "dispatcher_cycle")

			err = fmt.Errorf("outbox dispatch cycle panicked: %v", recovered)
		}
	}()

	result, err = dispatcher.DispatchOnce(cycleCtx)
	if err != nil {
		libLog.SafeError(dispatcher.logger, cycleCtx, "outbox dispatcher loop failed", err, runtime.IsProductionMode())
	}

	return result, err
}

// Stop signals the dispatcher loop to stop after the current cycle.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.runStateMu.Lock()
	dispatcher.stopRequested = true
	cancel := dispatcher.cancelFunc
	dispatcher.runStateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	dispatcher.runStateMu.Lock()
	logger := dispatcher.logger
	dispatcher.runStateMu.Unlock()

	done := make(chan struct{})

	runtime.SafeGo(logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce claims one batch under a fresh lock id and publishes it.
// The error reports a failed claim; per-message failures are recorded on the
// rows and counted in the result.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.bus == nil {
		return DispatchResult{}, ErrOutboxDispatcherNil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	lockID := dispatcher.newLockID()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	messages, err := dispatcher.store.ClaimBatch(ctx, dispatcher.cfg.BatchSize, lockID, dispatcher.now(), dispatcher.cfg.LockTimeout)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "failed to claim outbox batch", err)

		return DispatchResult{}, fmt.Errorf("claim outbox batch: %w", err)
	}

	result := DispatchResult{}

	dispatcher.metrics.recordClaimed(ctx, len(messages))

	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		result.Claimed++

		dispatcher.dispatchMessage(ctx, lockID, message, &result)
	}

	span.SetAttributes(
		attribute.String("outbox.lock_id", lockID),
		attribute.Int("outbox.dispatch.claimed", result.Claimed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.poisoned", result.Poisoned),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)

	dispatcher.metrics.recordCycle(ctx, result, time.Since(start))

	return result, nil
}

// Delivery is at-least-once: the row is marked only after the bus accepted
// the message, so a failed mark leads to a redelivery once the lock expires.
func (dispatcher *Dispatcher) dispatchMessage(ctx context.Context, lockID string, message PendingMessage, result *DispatchResult) {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch_message", trace.WithAttributes(
		attribute.String(constant.AttrMessagingMessageID, message.ID.String()),
		attribute.String(constant.AttrMessagingMessageType, message.Type),
		attribute.String(constant.AttrCorrelationID, message.CorrelationID),
		attribute.Int("outbox.retry_count", message.RetryCount),
	))
	defer span.End()

	logger := dispatcher.logger.With(
		libLog.String("message_id", message.ID.String()),
		libLog.String("message_type", message.Type),
		libLog.String("correlation_id", message.CorrelationID),
		libLog.String("lock_id", lockID),
	)

	publishErr := dispatcher.publish(ctx, message.Outbound())
	if publishErr == nil {
		result.Published++

		logger.Log(ctx, libLog.LevelInfo, "outbox message dispatched")

		if err := dispatcher.store.MarkSucceeded(ctx, message.ID, lockID, dispatcher.now()); err != nil {
			result.StateUpdateFailed++

			libOpentelemetry.HandleSpanError(&span, "failed to mark outbox message succeeded", err)
			dispatcher.logStateUpdateFailure(ctx, logger, "outbox message published but not marked succeeded; it may be redelivered", err)
		}

		return
	}

	nextRetry := message.RetryCount + 1
	permanent := dispatcher.retryClassifier.IsNonRetryable(publishErr)
	moveToPoison := permanent || nextRetry >= dispatcher.cfg.MaxRetryCount
	delay := dispatcher.RetryDelay(nextRetry)
	nextAvailableAt := dispatcher.now().Add(delay)
	errText := sanitizeError(publishErr, dispatcher.cfg.MaxErrorLength)

	libOpentelemetry.HandleSpanError(&span, "failed to publish outbox message", publishErr)

	if moveToPoison {
		result.Poisoned++
	} else {
		result.Failed++
	}

	if err := dispatcher.store.MarkFailed(ctx, message.ID, lockID, errText, nextAvailableAt, moveToPoison); err != nil {
		result.StateUpdateFailed++

		dispatcher.logStateUpdateFailure(ctx, logger, "failed to record outbox dispatch failure", err)
	}

	logger.Log(ctx, libLog.LevelError, "outbox message failed dispatch",
		libLog.Int("retry_count", nextRetry),
		libLog.Bool("poison", moveToPoison),
		libLog.Bool("permanent", permanent),
		libLog.Duration("next_attempt_in", delay),
		libLog.String("error", errText),
	)
}

// RetryDelay is the redelivery delay applied after attempt nextRetry fails:
// max(1s, base) doubled nextRetry-1 times, with at most eight doublings.
func (dispatcher *Dispatcher) RetryDelay(nextRetry int) time.Duration {
	return backoff.Capped(dispatcher.cfg.BaseBackoff, time.Second, max(nextRetry, 1)-1, constant.OutboxMaxBackoffExponent)
}

func (dispatcher *Dispatcher) publish(ctx context.Context, message OutboundMessage) error {
	if dispatcher.breaker == nil {
		return dispatcher.bus.Publish(ctx, message)
	}

	return dispatcher.breaker.Execute(ctx, dispatcher.breakerService, func() error {
		return dispatcher.bus.Publish(ctx, message)
	})
}

func (dispatcher *Dispatcher) logStateUpdateFailure(ctx context.Context, logger libLog.Logger, msg string, err error) {
	level := libLog.LevelError
	if errors.Is(err, ErrLockLost) {
		level = libLog.LevelWarn
	}

	logger.Log(ctx, level, msg, libLog.String("error", SanitizeErrorMessage(err.Error(), dispatcher.cfg.MaxErrorLength)))
}

// registerRun claims the loop for one Run. A pending stop cancels the new
// run right away. Without a logger option the launcher's logger is adopted.
func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc, launcher *relay.Launcher) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stopRequested {
		dispatcher.stopRequested = false

		cancel()
	}

	if _, isNop := dispatcher.logger.(*libLog.NopLogger); isNop && launcher != nil && launcher.Logger != nil {
		dispatcher.logger = launcher.Logger
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

// beginCycle registers an in-flight cycle unless a stop is pending, so
// Shutdown never waits while a new cycle is being added.
func (dispatcher *Dispatcher) beginCycle() bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.stopRequested {
		return false
	}

	dispatcher.dispatchWg.Add(1)

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.cancelFunc != nil {
		dispatcher.cancelFunc()
	}

	dispatcher.running = false
	dispatcher.stopRequested = false
	dispatcher.cancelFunc = nil
}

