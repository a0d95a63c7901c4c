//go:build unit

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheInvalidated struct {
	EventMeta
	CacheKey string `json:"cacheKey"`
}

func (*cacheInvalidated) EventType() string { return "server-time.cache-invalidated.v1" }

type orderPlaced struct {
	EventMeta
	OrderID string `json:"orderId"`
}

func (*orderPlaced) EventType() string { return "order.placed.v2" }

type recordingStore struct {
	outbox.NoopStore
	enqueued []*outbox.Message
	batches  int
	err      error
}

func (s *recordingStore) Enqueue(_ context.Context, _ outbox.Tx, message *outbox.Message) error {
	if s.err != nil {
		return s.err
	}

	s.enqueued = append(s.enqueued, message)

	return nil
}

func (s *recordingStore) EnqueueMany(_ context.Context, _ outbox.Tx, messages []*outbox.Message) error {
	if s.err != nil {
		return s.err
	}

	s.batches++
	s.enqueued = append(s.enqueued, messages...)

	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestNewEventMeta_Defaults(t *testing.T) {
	meta := NewEventMeta()

	assert.NotEqual(t, uuid.Nil, meta.EventID)
	assert.Equal(t, 1, meta.Version)
	assert.Equal(t, time.UTC, meta.OccurredAt.Location())
	assert.Same(t, &meta, meta.Meta())
}

func TestRegistry_RegisterAndDecode(t *testing.T) {
	registry := NewRegistry()

	var received []string

	require.NoError(t, Register(registry, func(_ context.Context, event *cacheInvalidated) error {
		received = append(received, "first:"+event.CacheKey)
		return nil
	}))
	require.NoError(t, Register(registry, func(_ context.Context, event *cacheInvalidated) error {
		received = append(received, "second:"+event.CacheKey)
		return nil
	}))

	event, err := registry.Decode("server-time.cache-invalidated.v1", []byte(`{"eventId":"8d1c6a0e-3b7a-4f44-9d2f-2b1c1f0e9a10","version":3,"cacheKey":"clock"}`))
	require.NoError(t, err)

	typed, ok := event.(*cacheInvalidated)
	require.True(t, ok)
	assert.Equal(t, "clock", typed.CacheKey)
	assert.Equal(t, 3, typed.Meta().Version)

	for _, handler := range registry.Handlers("server-time.cache-invalidated.v1") {
		require.NoError(t, handler(context.Background(), event))
	}

	assert.Equal(t, []string{"first:clock", "second:clock"}, received)
}

func TestRegistry_TypesSorted(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, RegisterType[orderPlaced](registry))
	require.NoError(t, RegisterType[cacheInvalidated](registry))

	assert.Equal(t, []string{"order.placed.v2", "server-time.cache-invalidated.v1"}, registry.Types())
	assert.Empty(t, registry.Handlers("order.placed.v2"))
	assert.True(t, registry.IsRegistered(" order.placed.v2 "))
}

func TestRegistry_Errors(t *testing.T) {
	registry := NewRegistry()

	require.ErrorIs(t, registry.RegisterDecoder(" ", func([]byte) (IntegrationEvent, error) { return nil, nil }), ErrEventTypeRequired)
	require.ErrorIs(t, registry.RegisterDecoder("x.v1", nil), ErrDecoderRequired)
	require.ErrorIs(t, registry.AddHandler("x.v1", func(context.Context, IntegrationEvent) error { return nil }), ErrUnknownEventType)

	require.NoError(t, RegisterType[orderPlaced](registry))
	require.ErrorIs(t, RegisterType[orderPlaced](registry), ErrDecoderAlreadyDefined)
	require.ErrorIs(t, registry.AddHandler("order.placed.v2", nil), ErrHandlerRequired)

	_, err := registry.Decode("missing.v1", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownEventType)

	_, err = registry.Decode("order.placed.v2", []byte(`{not json`))
	require.ErrorIs(t, err, ErrDecodeEvent)

	require.NoError(t, registry.RegisterDecoder("nil.v1", func([]byte) (IntegrationEvent, error) { return nil, nil }))

	_, err = registry.Decode("nil.v1", []byte(`{}`))
	require.ErrorIs(t, err, ErrDecodeEvent)

	var nilRegistry *Registry

	require.ErrorIs(t, Register(nilRegistry, func(context.Context, *orderPlaced) error { return nil }), ErrRegistryRequired)
	assert.False(t, nilRegistry.IsRegistered("order.placed.v2"))
	assert.Nil(t, nilRegistry.Types())
}

func TestRegistry_TypedHandlerRejectsForeignEvent(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, Register(registry, func(context.Context, *orderPlaced) error { return nil }))

	handlers := registry.Handlers("order.placed.v2")
	require.Len(t, handlers, 1)

	err := handlers[0](context.Background(), &cacheInvalidated{})
	require.ErrorIs(t, err, ErrDecodeEvent)
}

func TestPublisher_Publish(t *testing.T) {
	store := &recordingStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	publisher, err := NewPublisher(store, WithPublisherClock(fixedClock(now)))
	require.NoError(t, err)

	event := &orderPlaced{EventMeta: NewEventMeta(), OrderID: "42"}
	event.TenantID = "tenant-a"
	event.IdempotencyKey = "order-42"

	require.NoError(t, publisher.Publish(context.Background(), nil, event, "corr-1"))
	require.Len(t, store.enqueued, 1)

	message := store.enqueued[0]
	assert.Equal(t, event.EventID, message.ID)
	assert.Equal(t, "order.placed.v2", message.Type)
	assert.Equal(t, now, message.AvailableAt)
	assert.Equal(t, event.OccurredAt, message.OccurredAt)
	assert.Equal(t, "corr-1", message.CorrelationID)
	assert.Equal(t, "corr-1", message.CausationID)
	assert.Equal(t, "order-42", message.IdempotencyKey)
	assert.Equal(t, 1, message.Version)
	assert.JSONEq(t, `{"tenantId":"tenant-a"}`, message.Headers)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(message.Payload), &payload))
	assert.Equal(t, "42", payload["orderId"])
	assert.Equal(t, event.EventID.String(), payload["eventId"])
}

func TestPublisher_CorrelationPrecedence(t *testing.T) {
	publisher, err := NewPublisher(&recordingStore{})
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()

	withOwn := &orderPlaced{EventMeta: NewEventMeta()}
	withOwn.CorrelationID = "event-corr"
	withOwn.CausationID = "event-cause"

	message, err := publisher.ToMessage(ctx, withOwn, "explicit", now)
	require.NoError(t, err)
	assert.Equal(t, "event-corr", message.CorrelationID)
	assert.Equal(t, "event-cause", message.CausationID)

	bare := &orderPlaced{EventMeta: NewEventMeta()}

	message, err = publisher.ToMessage(ctx, bare, "  ", now)
	require.NoError(t, err)
	assert.Equal(t, bare.EventID.String(), message.CorrelationID)
	assert.Equal(t, bare.EventID.String(), message.CausationID)
	assert.Empty(t, message.Headers)
}

func TestPublisher_TenantFromContext(t *testing.T) {
	publisher, err := NewPublisher(&recordingStore{})
	require.NoError(t, err)

	ctx := outbox.ContextWithTenantID(context.Background(), "tenant-ctx")

	message, err := publisher.ToMessage(ctx, &orderPlaced{EventMeta: NewEventMeta()}, "", time.Now())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenantId":"tenant-ctx"}`, message.Headers)

	own := &orderPlaced{EventMeta: NewEventMeta()}
	own.TenantID = "tenant-event"

	message, err = publisher.ToMessage(ctx, own, "", time.Now())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenantId":"tenant-event"}`, message.Headers)
}

func TestPublisher_PublishMany(t *testing.T) {
	store := &recordingStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	publisher, err := NewPublisher(store, WithPublisherClock(fixedClock(now)))
	require.NoError(t, err)

	var nilEvent *orderPlaced

	events := []IntegrationEvent{
		&orderPlaced{EventMeta: NewEventMeta(), OrderID: "1"},
		nil,
		nilEvent,
		&cacheInvalidated{EventMeta: NewEventMeta(), CacheKey: "clock"},
	}

	require.NoError(t, publisher.PublishMany(context.Background(), nil, events, "batch-corr"))
	assert.Equal(t, 1, store.batches)
	require.Len(t, store.enqueued, 2)

	for _, message := range store.enqueued {
		assert.Equal(t, now, message.AvailableAt)
		assert.Equal(t, "batch-corr", message.CorrelationID)
	}

	require.NoError(t, publisher.PublishMany(context.Background(), nil, nil, ""))
	assert.Equal(t, 1, store.batches)
}

func TestPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(nil)
	require.ErrorIs(t, err, outbox.ErrStoreRequired)

	var nilPublisher *Publisher
	require.ErrorIs(t, nilPublisher.Publish(context.Background(), nil, &orderPlaced{}, ""), outbox.ErrStoreRequired)

	publisher, err := NewPublisher(&recordingStore{})
	require.NoError(t, err)

	require.ErrorIs(t, publisher.Publish(context.Background(), nil, nil, ""), ErrEventRequired)

	missingID := &orderPlaced{}
	require.ErrorIs(t, publisher.Publish(context.Background(), nil, missingID, ""), outbox.ErrMessageIDRequired)

	failing := &recordingStore{err: errors.New("db down")}

	publisher, err = NewPublisher(failing)
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), nil, &orderPlaced{EventMeta: NewEventMeta()}, "")
	require.ErrorContains(t, err, "enqueue integration event: db down")
}
