package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidMessage is wrapped in an outbox.PermanentError: retrying the
	// same row cannot fix it.
	ErrInvalidMessage = errors.New("invalid outbound message")
	ErrBusRequired    = errors.New("rabbitmq bus is required")
	ErrSourceRequired = errors.New("rabbitmq channel source is required")
	ErrBusClosed      = errors.New("rabbitmq bus is closed")
)

const defaultBusConnectAttempts = 3

var invalidRoutingKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// RoutingKeyFor derives a routing key from a message type: characters
// outside [a-zA-Z0-9_.-] become "." and the result is lower-cased.
func RoutingKeyFor(messageType string) string {
	return strings.ToLower(invalidRoutingKeyChars.ReplaceAllString(strings.TrimSpace(messageType), "."))
}

// BusOption configures a Bus.
type BusOption func(*Bus)

func WithBusLogger(logger log.Logger) BusOption {
	return func(bus *Bus) {
		if !nilcheck.Interface(logger) {
			bus.logger = logger
		}
	}
}

// WithBusClock overrides the clock stamped into the Timestamp property.
func WithBusClock(now func() time.Time) BusOption {
	return func(bus *Bus) {
		if now != nil {
			bus.now = now
		}
	}
}

// WithBusConnectAttempts bounds the channel (re)open attempts per Publish.
func WithBusConnectAttempts(attempts int) BusOption {
	return func(bus *Bus) {
		if attempts > 0 {
			bus.connectAttempts = attempts
		}
	}
}

// Bus publishes outbox messages to the configured exchange. It implements
// outbox.MessageBus. Publishes are serialized on one channel that is
// reopened, with exponential backoff, after the broker closes it.
type Bus struct {
	source          ChannelSource
	cfg             Config
	logger          log.Logger
	now             func() time.Time
	connectAttempts int

	mu        sync.Mutex
	ch        Channel
	confirmer *confirmer
	closed    bool
}

var _ outbox.MessageBus = (*Bus)(nil)

func NewBus(source ChannelSource, cfg Config, opts ...BusOption) (*Bus, error) {
	if nilcheck.Interface(source) {
		return nil, ErrSourceRequired
	}

	cfg.normalize()

	if err := cfg.ValidatePublisher(); err != nil {
		return nil, err
	}

	bus := &Bus{
		source:          source,
		cfg:             cfg,
		logger:          log.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
		connectAttempts: defaultBusConnectAttempts,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	return bus, nil
}

// RoutingKey returns DefaultRoutingKey when configured, else the key derived
// from messageType.
func (bus *Bus) RoutingKey(messageType string) string {
	if key := strings.TrimSpace(bus.cfg.DefaultRoutingKey); key != "" {
		return key
	}

	return RoutingKeyFor(messageType)
}

// Publish sends message as a persistent JSON delivery. With confirms enabled
// it returns only after the broker acked; a nack or a confirm timeout is an
// error.
func (bus *Bus) Publish(ctx context.Context, message outbox.OutboundMessage) error {
	if bus == nil {
		return ErrBusRequired
	}

	if err := validateOutbound(message); err != nil {
		return outbox.NewPermanentError(err)
	}

	_, tracer := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	routingKey := bus.RoutingKey(message.Type)
	messageID := outbox.CompactID(message.MessageID)

	span.SetAttributes(
		attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ),
		attribute.String(constant.AttrMessagingDestination, bus.cfg.ExchangeName),
		attribute.String(constant.AttrMessagingRoutingKey, routingKey),
		attribute.String(constant.AttrMessagingMessageID, messageID),
		attribute.String(constant.AttrMessagingMessageType, message.Type),
		attribute.String(constant.AttrCorrelationID, message.CorrelationID),
	)

	publishing := bus.buildPublishing(ctx, message, messageID)

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if bus.closed {
		return ErrBusClosed
	}

	if err := bus.ensureChannelLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to open rabbitmq channel", err)

		return fmt.Errorf("publish %s: %w", message.Type, err)
	}

	var err error
	if bus.confirmer != nil {
		err = bus.confirmer.publish(ctx, routingKey, publishing)
	} else {
		err = bus.ch.PublishWithContext(ctx, bus.cfg.ExchangeName, routingKey, false, false, publishing)
	}

	if err != nil {
		if !errors.Is(err, ErrPublishNacked) {
			bus.resetChannelLocked()
		}

		bus.logger.Log(ctx, log.LevelWarn, "rabbitmq publish failed",
			log.String("message_id", message.MessageID.String()),
			log.String("message_type", message.Type),
			log.String("correlation_id", message.CorrelationID),
			log.String("routing_key", routingKey),
			log.Err(err),
		)

		libOpentelemetry.HandleSpanError(&span, "Failed to publish message", err)

		return fmt.Errorf("publish %s: %w", message.Type, err)
	}

	return nil
}

func validateOutbound(message outbox.OutboundMessage) error {
	if strings.TrimSpace(message.Type) == "" {
		return fmt.Errorf("%w: message type is required", ErrInvalidMessage)
	}

	if strings.TrimSpace(message.Payload) == "" {
		return fmt.Errorf("%w: payload is required", ErrInvalidMessage)
	}

	return nil
}

func (bus *Bus) buildPublishing(ctx context.Context, message outbox.OutboundMessage, messageID string) amqp.Publishing {
	headers := map[string]any{
		constant.HeaderVersion: int32(max(1, message.Version)),
	}

	optional := map[string]string{
		constant.HeaderHeadersJSON:    message.Headers,
		constant.HeaderCorrelationID:  message.CorrelationID,
		constant.HeaderCausationID:    message.CausationID,
		constant.HeaderIdempotencyKey: message.IdempotencyKey,
	}

	for key, value := range optional {
		if strings.TrimSpace(value) != "" {
			headers[key] = value
		}
	}

	return amqp.Publishing{
		Headers:       amqp.Table(libOpentelemetry.PrepareQueueHeaders(ctx, headers)),
		ContentType:   constant.ContentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: message.CorrelationID,
		MessageId:     messageID,
		Timestamp:     bus.now(),
		Type:          message.Type,
		Body:          []byte(message.Payload),
	}
}

func (bus *Bus) ensureChannelLocked(ctx context.Context) error {
	if bus.ch != nil && !bus.ch.IsClosed() && (bus.confirmer == nil || bus.confirmer.usable()) {
		return nil
	}

	bus.resetChannelLocked()

	var lastErr error

	for attempt := range bus.connectAttempts {
		if attempt > 0 {
			delay := min(backoff.ExponentialWithJitter(bus.cfg.ReconnectBackoffInitial, attempt), bus.cfg.ReconnectBackoffMax)
			if err := backoff.WaitContext(ctx, delay); err != nil {
				return errors.Join(lastErr, err)
			}
		}

		lastErr = bus.openChannelLocked(ctx)
		if lastErr == nil {
			return nil
		}

		bus.logger.Log(ctx, log.LevelWarn, "rabbitmq bus channel open failed",
			log.Int("attempt", attempt+1),
			log.Int("max_attempts", bus.connectAttempts),
			log.Err(lastErr),
		)
	}

	return lastErr
}

func (bus *Bus) openChannelLocked(ctx context.Context) error {
	ch, err := bus.source.Channel(ctx)
	if err != nil {
		return err
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	if err := DeclareExchange(ch, bus.cfg.ExchangeName, bus.cfg.ExchangeType); err != nil {
		_ = ch.Close()

		return err
	}

	if bus.cfg.PublisherConfirmsEnabled {
		confirmer, err := newConfirmer(ch, bus.cfg.ExchangeName, bus.cfg.ConfirmTimeout, bus.logger)
		if err != nil {
			_ = ch.Close()

			return err
		}

		bus.confirmer = confirmer
	}

	bus.ch = ch

	return nil
}

func (bus *Bus) resetChannelLocked() {
	switch {
	case bus.confirmer != nil:
		if err := bus.confirmer.close(); err != nil {
			bus.logger.Log(context.Background(), log.LevelDebug, "close rabbitmq confirm channel", log.Err(err))
		}
	case bus.ch != nil:
		if err := bus.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			bus.logger.Log(context.Background(), log.LevelDebug, "close rabbitmq channel", log.Err(err))
		}
	}

	bus.confirmer = nil
	bus.ch = nil
}

// Close releases the channel. Later publishes fail with ErrBusClosed.
func (bus *Bus) Close() error {
	if bus == nil {
		return ErrBusRequired
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.closed = true
	bus.resetChannelLocked()

	return nil
}
