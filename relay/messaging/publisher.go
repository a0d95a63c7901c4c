package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	"go.opentelemetry.io/otel/attribute"
)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherClock overrides the clock used for AvailableAt.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(publisher *Publisher) {
		if now != nil {
			publisher.now = now
		}
	}
}

func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(logger) {
			publisher.logger = logger
		}
	}
}

// Publisher serializes integration events and enqueues them in the outbox.
// Nothing reaches the broker until the dispatcher claims the rows, so the
// event commits or rolls back with the caller's transaction.
type Publisher struct {
	store  outbox.Store
	now    func() time.Time
	logger log.Logger
}

func NewPublisher(store outbox.Store, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(store) {
		return nil, outbox.ErrStoreRequired
	}

	publisher := &Publisher{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// Publish enqueues event inside tx. correlationID is used when the event
// carries none.
func (publisher *Publisher) Publish(ctx context.Context, tx outbox.Tx, event IntegrationEvent, correlationID string) error {
	if publisher == nil || nilcheck.Interface(publisher.store) {
		return outbox.ErrStoreRequired
	}

	_, tracer := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "messaging.publish")
	defer span.End()

	message, err := publisher.ToMessage(ctx, event, correlationID, publisher.now())
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to serialize integration event", err)

		return err
	}

	span.SetAttributes(
		attribute.String(constant.AttrMessagingMessageType, message.Type),
		attribute.String(constant.AttrCorrelationID, message.CorrelationID),
	)

	if err := publisher.store.Enqueue(ctx, tx, message); err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to enqueue integration event", err)

		publisher.logger.Log(ctx, log.LevelError, "failed to enqueue integration event",
			log.String("message_type", message.Type),
			log.String("message_id", message.ID.String()),
			log.String("correlation_id", message.CorrelationID),
			log.Err(err),
		)

		return fmt.Errorf("enqueue integration event: %w", err)
	}

	return nil
}

// PublishMany enqueues events atomically inside tx. Nil events are skipped and
// an empty input is a no-op. All messages share one AvailableAt.
func (publisher *Publisher) PublishMany(ctx context.Context, tx outbox.Tx, events []IntegrationEvent, correlationID string) error {
	if publisher == nil || nilcheck.Interface(publisher.store) {
		return outbox.ErrStoreRequired
	}

	now := publisher.now()
	messages := make([]*outbox.Message, 0, len(events))

	for _, event := range events {
		if nilcheck.Interface(event) {
			continue
		}

		message, err := publisher.ToMessage(ctx, event, correlationID, now)
		if err != nil {
			return err
		}

		messages = append(messages, message)
	}

	if len(messages) == 0 {
		return nil
	}

	_, tracer := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "messaging.publish_many")
	defer span.End()

	span.SetAttributes(attribute.Int("messaging.batch.size", len(messages)))

	if err := publisher.store.EnqueueMany(ctx, tx, messages); err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to enqueue integration events", err)

		return fmt.Errorf("enqueue integration events: %w", err)
	}

	return nil
}

// ToMessage builds the outbox row for event. Correlation falls back from the
// event to correlationID to the event id; causation falls back to the
// correlation. The tenant comes from the event, else from ctx.
func (publisher *Publisher) ToMessage(ctx context.Context, event IntegrationEvent, correlationID string, availableAt time.Time) (*outbox.Message, error) {
	if nilcheck.Interface(event) {
		return nil, ErrEventRequired
	}

	eventType := strings.TrimSpace(event.EventType())
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	meta := event.Meta()
	if meta == nil {
		return nil, ErrEventMetaRequired
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", eventType, err)
	}

	headers, err := tenantHeaders(ctx, meta.TenantID)
	if err != nil {
		return nil, err
	}

	resolvedCorrelation := firstNonBlank(meta.CorrelationID, correlationID, meta.EventID.String())

	message := &outbox.Message{
		ID:             meta.EventID,
		Type:           eventType,
		Payload:        string(payload),
		Headers:        headers,
		OccurredAt:     meta.OccurredAt,
		AvailableAt:    availableAt,
		CorrelationID:  resolvedCorrelation,
		CausationID:    firstNonBlank(meta.CausationID, resolvedCorrelation),
		IdempotencyKey: strings.TrimSpace(meta.IdempotencyKey),
		Version:        meta.Version,
	}

	if err := message.Prepare(availableAt); err != nil {
		return nil, err
	}

	return message, nil
}

func tenantHeaders(ctx context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID, _ = outbox.TenantIDFromContext(ctx)
	}

	if tenantID == "" {
		return "", nil
	}

	raw, err := json.Marshal(map[string]string{constant.TenantHeadersJSONKey: tenantID})
	if err != nil {
		return "", fmt.Errorf("serialize headers: %w", err)
	}

	return string(raw), nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}

	return ""
}
