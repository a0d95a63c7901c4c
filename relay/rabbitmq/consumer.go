package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/idempotency"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/messaging"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConsumerRequired         = errors.New("rabbitmq consumer is required")
	ErrConsumerRunning          = errors.New("rabbitmq consumer is already running")
	ErrIdempotencyStoreRequired = errors.New("idempotency store is required")
	ErrDeliveriesClosed         = errors.New("rabbitmq deliveries channel closed")
)

// DeliveryOutcome is the terminal state of one delivery.
type DeliveryOutcome int

const (
	// DeliveryRejected: nacked without requeue, so the broker dead-letters it.
	DeliveryRejected DeliveryOutcome = iota
	// DeliveryDuplicate: already completed under the same key; acked.
	DeliveryDuplicate
	// DeliveryRequeued: another delivery holds the key; nacked with requeue.
	DeliveryRequeued
	// DeliveryHandled: every handler succeeded; acked.
	DeliveryHandled
	// DeliveryFailed: a handler or the idempotency store failed; a claim
	// this delivery held was released and the delivery rejected.
	DeliveryFailed
)

func (outcome DeliveryOutcome) String() string {
	switch outcome {
	case DeliveryRejected:
		return "rejected"
	case DeliveryDuplicate:
		return "duplicate"
	case DeliveryRequeued:
		return "requeued"
	case DeliveryHandled:
		return "handled"
	case DeliveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(consumer *Consumer) {
		if !nilcheck.Interface(logger) {
			consumer.logger = logger
		}
	}
}

// WithConsumerMeterProvider overrides the global meter provider used for the
// per-outcome delivery counter.
func WithConsumerMeterProvider(provider metric.MeterProvider) ConsumerOption {
	return func(consumer *Consumer) {
		if !nilcheck.Interface(provider) {
			consumer.meterProvider = provider
		}
	}
}

// WithConsumerTag sets the AMQP consumer tag.
func WithConsumerTag(tag string) ConsumerOption {
	return func(consumer *Consumer) {
		if strings.TrimSpace(tag) != "" {
			consumer.tag = tag
		}
	}
}

// Consumer reads the consumer queue one delivery at a time, deduplicates
// through an idempotency store and runs the handlers registered for the
// delivery's type.
type Consumer struct {
	source        ChannelSource
	registry      *messaging.Registry
	store         idempotency.Store
	cfg           Config
	logger        log.Logger
	meterProvider metric.MeterProvider
	tag           string

	deliveries metric.Int64Counter

	// gate serializes HandleDelivery per instance on top of prefetch 1.
	gate sync.Mutex

	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

var _ relay.App = (*Consumer)(nil)

func NewConsumer(source ChannelSource, registry *messaging.Registry, store idempotency.Store, cfg Config, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(source) {
		return nil, ErrSourceRequired
	}

	if registry == nil {
		return nil, messaging.ErrRegistryRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrIdempotencyStoreRequired
	}

	cfg.normalize()

	if err := cfg.ValidateConsumer(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		source:   source,
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   log.NewNop(),
		tag:      cfg.ClientProvidedName + "-" + outbox.CompactID(uuid.New())[:12],
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	provider := consumer.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter("github.com/LerianStudio/lib-relay/relay/rabbitmq").
		Int64Counter("rabbitmq.consumer.deliveries",
			metric.WithDescription("Number of consumed deliveries by outcome"),
			metric.WithUnit("{delivery}"))
	if err != nil {
		return nil, fmt.Errorf("create rabbitmq.consumer.deliveries counter: %w", err)
	}

	consumer.deliveries = counter

	return consumer, nil
}

// Run consumes until ctx is cancelled or Stop is called. When the broker
// closes the deliveries channel the consumer reopens a channel, redeclares
// the topology and resumes, backing off between attempts.
func (consumer *Consumer) Run(parentCtx context.Context, launcher *relay.Launcher) error {
	if consumer == nil {
		return ErrConsumerRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !consumer.registerRun(cancel) {
		cancel()

		return ErrConsumerRunning
	}

	defer consumer.clearRun()

	if _, isNop := consumer.logger.(*log.NopLogger); isNop && launcher != nil && launcher.Logger != nil {
		consumer.logger = launcher.Logger
	}

	consumer.warnVolatileStore(ctx)

	consumer.logger.Log(ctx, log.LevelInfo, "rabbitmq consumer started",
		log.String("queue", consumer.cfg.ConsumerQueueName),
		log.String("consumer_tag", consumer.tag),
		log.Any("routing_keys", bindingKeys(consumer.cfg.ConsumerRoutingKeys)),
	)
	defer consumer.logger.Log(context.Background(), log.LevelInfo, "rabbitmq consumer stopped")

	attempt := 0

	for ctx.Err() == nil {
		consumed, err := consumer.consume(ctx)
		if ctx.Err() != nil {
			break
		}

		if consumed > 0 {
			attempt = 0
		}

		attempt++
		delay := min(backoff.ExponentialWithJitter(consumer.cfg.ReconnectBackoffInitial, attempt-1), consumer.cfg.ReconnectBackoffMax)

		consumer.logger.Log(ctx, log.LevelWarn, "rabbitmq consumer interrupted; reconnecting",
			log.Int("attempt", attempt),
			log.Duration("retry_in", delay),
			log.Err(err),
		)

		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			break
		}
	}

	return nil
}

// consume runs one channel lifetime and reports how many deliveries it
// handled.
func (consumer *Consumer) consume(ctx context.Context) (int, error) {
	ch, err := consumer.source.Channel(ctx)
	if err != nil {
		return 0, err
	}

	if nilcheck.Interface(ch) {
		return 0, ErrChannelRequired
	}

	defer func() {
		if closeErr := ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			consumer.logger.Log(context.Background(), log.LevelDebug, "close consumer channel", log.Err(closeErr))
		}
	}()

	if err := ch.Qos(consumer.cfg.ConsumerPrefetchCount, 0, false); err != nil {
		return 0, fmt.Errorf("set consumer qos: %w", err)
	}

	if err := DeclareConsumerTopology(ch, consumer.cfg); err != nil {
		return 0, err
	}

	deliveries, err := ch.Consume(consumer.cfg.ConsumerQueueName, consumer.tag, false, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("consume %s: %w", consumer.cfg.ConsumerQueueName, err)
	}

	handled := 0

	for {
		select {
		case <-ctx.Done():
			if cancelErr := ch.Cancel(consumer.tag, false); cancelErr != nil {
				consumer.logger.Log(context.Background(), log.LevelDebug, "cancel rabbitmq consumer", log.Err(cancelErr))
			}

			return handled, nil
		case delivery, ok := <-deliveries:
			if !ok {
				return handled, ErrDeliveriesClosed
			}

			consumer.handleSafely(context.WithoutCancel(ctx), delivery)

			handled++
		}
	}
}

func (consumer *Consumer) handleSafely(ctx context.Context, delivery amqp.Delivery) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, consumer.logger, recovered, "rabbitmq", "consumer_delivery")

			consumer.settle(ctx, delivery, DeliveryFailed)
		}
	}()

	consumer.HandleDelivery(ctx, delivery)
}

// Stop cancels a running Run; the delivery in progress finishes first.
func (consumer *Consumer) Stop() {
	if consumer == nil {
		return
	}

	consumer.runStateMu.Lock()
	cancel := consumer.cancelFunc
	consumer.runStateMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// HandleDelivery processes one delivery end to end, settles it with the
// broker and returns the outcome.
func (consumer *Consumer) HandleDelivery(ctx context.Context, delivery amqp.Delivery) DeliveryOutcome {
	if consumer == nil {
		return DeliveryRejected
	}

	consumer.gate.Lock()
	defer consumer.gate.Unlock()

	ctx = libOpentelemetry.ExtractTraceContextFromQueueHeaders(ctx, delivery.Headers)

	_, tracer := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	correlationID := CorrelationIDOf(delivery)

	span.SetAttributes(
		attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ),
		attribute.String(constant.AttrMessagingDestination, consumer.cfg.ConsumerQueueName),
		attribute.String(constant.AttrMessagingMessageID, delivery.MessageId),
		attribute.String(constant.AttrMessagingMessageType, delivery.Type),
		attribute.String(constant.AttrCorrelationID, correlationID),
	)

	logger := consumer.logger.With(
		log.String("message_id", delivery.MessageId),
		log.String("message_type", delivery.Type),
		log.String("correlation_id", correlationID),
	)

	outcome := consumer.process(withDeliveryTenant(ctx, delivery), logger, delivery, &span)

	span.SetAttributes(attribute.String(constant.AttrMessagingOutcome, outcome.String()))
	consumer.settle(ctx, delivery, outcome)

	return outcome
}

func (consumer *Consumer) process(ctx context.Context, logger log.Logger, delivery amqp.Delivery, span *trace.Span) DeliveryOutcome {
	eventType := strings.TrimSpace(delivery.Type)
	if eventType == "" || !consumer.registry.IsRegistered(eventType) {
		logger.Log(ctx, log.LevelWarn, "rejecting delivery with unknown message type")

		return DeliveryRejected
	}

	event, err := consumer.registry.Decode(eventType, delivery.Body)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "rejecting delivery that could not be decoded", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to decode delivery", err)

		return DeliveryRejected
	}

	key := IdempotencyKeyOf(delivery, event)
	ttl := consumer.cfg.IdempotencyTTL()

	logger = logger.With(log.String("idempotency_key", key))

	begun, err := consumer.store.TryBegin(ctx, key, ttl)
	if err != nil {
		logger.Log(ctx, log.LevelError, "idempotency claim failed", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to claim idempotency key", err)

		return DeliveryFailed
	}

	if !begun {
		return consumer.resolveContention(ctx, logger, key, span)
	}

	if err := consumer.dispatch(ctx, logger, eventType, event); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to handle delivery", err)
		consumer.release(ctx, logger, key)

		return DeliveryFailed
	}

	if err := consumer.store.MarkCompleted(ctx, key, ttl); err != nil {
		logger.Log(ctx, log.LevelError, "idempotency completion failed", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to mark idempotency key completed", err)
		consumer.release(ctx, logger, key)

		return DeliveryFailed
	}

	return DeliveryHandled
}

// resolveContention settles a delivery whose key another attempt holds. A
// failed lookup dead-letters it; the claim belongs to someone else, so
// nothing is released.
func (consumer *Consumer) resolveContention(ctx context.Context, logger log.Logger, key string, span *trace.Span) DeliveryOutcome {
	completed, err := consumer.store.IsCompleted(ctx, key)
	if err != nil {
		logger.Log(ctx, log.LevelError, "idempotency lookup failed", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to look up idempotency key", err)

		return DeliveryFailed
	}

	if completed {
		logger.Log(ctx, log.LevelInfo, "duplicate delivery acknowledged")

		return DeliveryDuplicate
	}

	logger.Log(ctx, log.LevelInfo, "delivery in progress elsewhere; requeueing")

	return DeliveryRequeued
}

func (consumer *Consumer) dispatch(ctx context.Context, logger log.Logger, eventType string, event messaging.IntegrationEvent) error {
	handlers := consumer.registry.Handlers(eventType)
	if len(handlers) == 0 {
		logger.Log(ctx, log.LevelWarn, "no handlers registered for message type")

		return nil
	}

	for index, handler := range handlers {
		if err := invokeHandler(ctx, handler, event); err != nil {
			logger.Log(ctx, log.LevelError, "integration event handler failed",
				log.Int("handler_index", index),
				log.Err(err),
			)

			return fmt.Errorf("handler %d for %s: %w", index, eventType, err)
		}
	}

	return nil
}

func invokeHandler(ctx context.Context, handler messaging.Handler, event messaging.IntegrationEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()

	return handler(ctx, event)
}

func (consumer *Consumer) release(ctx context.Context, logger log.Logger, key string) {
	if err := consumer.store.Release(ctx, key); err != nil {
		logger.Log(ctx, log.LevelWarn, "idempotency release failed; key stays in progress until its ttl expires", log.Err(err))
	}
}

func (consumer *Consumer) settle(ctx context.Context, delivery amqp.Delivery, outcome DeliveryOutcome) {
	var err error

	switch outcome {
	case DeliveryHandled, DeliveryDuplicate:
		err = delivery.Ack(false)
	case DeliveryRequeued:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Nack(false, false)
	}

	if err != nil {
		consumer.logger.Log(ctx, log.LevelWarn, "failed to settle delivery",
			log.String("message_id", delivery.MessageId),
			log.String("outcome", outcome.String()),
			log.Err(err),
		)
	}

	if consumer.deliveries != nil {
		consumer.deliveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String(constant.AttrMessagingOutcome, outcome.String()),
			attribute.String(constant.AttrMessagingMessageType, constant.SanitizeMetricLabel(delivery.Type)),
		))
	}
}

func (consumer *Consumer) warnVolatileStore(ctx context.Context) {
	switch consumer.store.(type) {
	case *idempotency.MemoryStore, idempotency.NoopStore, *idempotency.NoopStore:
		consumer.logger.Log(ctx, log.LevelWarn,
			"consumer idempotency store is not durable; duplicates are not detected across processes or restarts",
			log.String("store", fmt.Sprintf("%T", consumer.store)),
		)
	}
}

func (consumer *Consumer) registerRun(cancel context.CancelFunc) bool {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	if consumer.running {
		return false
	}

	consumer.running = true
	consumer.cancelFunc = cancel

	return true
}

func (consumer *Consumer) clearRun() {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	if consumer.cancelFunc != nil {
		consumer.cancelFunc()
	}

	consumer.running = false
	consumer.cancelFunc = nil
}

// CorrelationIDOf returns the CorrelationId property, else the
// x-correlation-id header, else the MessageId property.
func CorrelationIDOf(delivery amqp.Delivery) string {
	if id := strings.TrimSpace(delivery.CorrelationId); id != "" {
		return id
	}

	if id := headerString(delivery.Headers, constant.HeaderCorrelationID); id != "" {
		return id
	}

	return delivery.MessageId
}

// IdempotencyKeyOf derives the deduplication key: the event's idempotency
// key, else the MessageId property, else the event type and id.
func IdempotencyKeyOf(delivery amqp.Delivery, event messaging.IntegrationEvent) string {
	var meta *messaging.EventMeta
	if !nilcheck.Interface(event) {
		meta = event.Meta()
	}

	if meta != nil {
		if key := strings.TrimSpace(meta.IdempotencyKey); key != "" {
			return "integration:" + key
		}
	}

	if id := strings.TrimSpace(delivery.MessageId); id != "" {
		return "message:" + id
	}

	eventID := uuid.Nil
	if meta != nil {
		eventID = meta.EventID
	}

	return "event:" + delivery.Type + ":" + outbox.CompactID(eventID)
}

func headerString(headers amqp.Table, key string) string {
	switch value := headers[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case []byte:
		return strings.TrimSpace(string(value))
	default:
		return ""
	}
}

// withDeliveryTenant exposes the tenant carried in headers_json to handlers
// through outbox.TenantIDFromContext.
func withDeliveryTenant(ctx context.Context, delivery amqp.Delivery) context.Context {
	raw := headerString(delivery.Headers, constant.HeaderHeadersJSON)
	if raw == "" {
		return ctx
	}

	var headers map[string]any
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return ctx
	}

	if tenantID, ok := headers[constant.TenantHeadersJSONKey].(string); ok && strings.TrimSpace(tenantID) != "" {
		return outbox.ContextWithTenantID(ctx, tenantID)
	}

	return ctx
}
