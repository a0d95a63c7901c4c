//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/assert"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Parallel()

	message, err := NewMessage(context.Background(), "  orders.created.v1 ", `{"id":1}`)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, message.ID)
	require.Equal(t, "orders.created.v1", message.Type)
	require.Equal(t, 1, message.Version)
	require.Equal(t, message.OccurredAt, message.AvailableAt)
	require.Equal(t, time.UTC, message.OccurredAt.Location())
}

func TestNewMessage_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewMessage(context.Background(), " ", `{}`)
	require.ErrorIs(t, err, ErrMessageTypeRequired)
	require.ErrorIs(t, err, assert.ErrAssertionFailed)

	_, err = NewMessage(context.Background(), "orders.created.v1", "  ")
	require.ErrorIs(t, err, ErrMessagePayloadRequired)

	_, err = NewMessage(context.Background(), "orders.created.v1", strings.Repeat("a", DefaultMaxPayloadBytes+1))
	require.ErrorIs(t, err, ErrMessagePayloadTooLarge)
}

func TestMessagePrepare_FillsDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	message := &Message{ID: uuid.New(), Type: " t ", Payload: "{}"}

	require.NoError(t, message.Prepare(now))
	require.Equal(t, "t", message.Type)
	require.Equal(t, now, message.OccurredAt)
	require.Equal(t, now, message.AvailableAt)
	require.Equal(t, 1, message.Version)
}

func TestMessagePrepare_AvailableAtFallsBackToOccurredAt(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 1, 1, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	message := &Message{ID: uuid.New(), Type: "t", Payload: "{}", OccurredAt: occurred, Version: 4}

	require.NoError(t, message.Prepare(time.Now()))
	require.Equal(t, occurred.UTC(), message.AvailableAt)
	require.Equal(t, time.UTC, message.OccurredAt.Location())
	require.Equal(t, 4, message.Version)
}

func TestMessagePrepare_Errors(t *testing.T) {
	t.Parallel()

	var nilMessage *Message

	tests := []struct {
		name    string
		message *Message
		want    error
	}{
		{name: "nil", message: nilMessage, want: ErrMessageRequired},
		{name: "missing id", message: &Message{Type: "t", Payload: "{}"}, want: ErrMessageIDRequired},
		{name: "blank type", message: &Message{ID: uuid.New(), Type: " ", Payload: "{}"}, want: ErrMessageTypeRequired},
		{name: "long type", message: &Message{ID: uuid.New(), Type: strings.Repeat("t", MaxMessageTypeLength+1), Payload: "{}"}, want: ErrMessageTypeRequired},
		{name: "blank payload", message: &Message{ID: uuid.New(), Type: "t"}, want: ErrMessagePayloadRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.ErrorIs(t, tt.message.Prepare(time.Now()), tt.want)
		})
	}
}

func TestPendingMessage_Outbound(t *testing.T) {
	t.Parallel()

	pending := PendingMessage{
		ID:             uuid.New(),
		Type:           "orders.created.v1",
		Payload:        `{"id":1}`,
		Headers:        `{"tenantId":"t-1"}`,
		RetryCount:     2,
		CorrelationID:  "corr",
		CausationID:    "cause",
		IdempotencyKey: "idem",
		Version:        3,
	}

	outbound := pending.Outbound()
	require.Equal(t, OutboundMessage{
		MessageID:      pending.ID,
		Type:           pending.Type,
		Payload:        pending.Payload,
		Headers:        pending.Headers,
		CorrelationID:  "corr",
		CausationID:    "cause",
		IdempotencyKey: "idem",
		Version:        3,
	}, outbound)
}

func TestCompactID(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	require.Equal(t, "0f8fad5bd9cb469fa16570867728950e", CompactID(id))

	lockID := NewLockID()
	require.Len(t, lockID, 32)
	require.NotContains(t, lockID, "-")
}

func TestValidateClaim(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateClaim(1, "lock", time.Second))
	require.ErrorIs(t, ValidateClaim(0, "lock", time.Second), ErrInvalidBatchSize)
	require.ErrorIs(t, ValidateClaim(1, " ", time.Second), ErrInvalidLockID)
	require.ErrorIs(t, ValidateClaim(1, "lock", 0), ErrInvalidLockTimeout)
	require.ErrorIs(t, ValidateClaim(0, "", 0), ErrInvalidBatchSize)
	require.ErrorIs(t, ValidateClaim(1, "lock", 0), ErrInvalidClaim)
}

func TestPermanentError(t *testing.T) {
	t.Parallel()

	cause := errors.New("payload rejected")
	err := fmt.Errorf("publish: %w", NewPermanentError(cause))

	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "permanent: payload rejected")
	require.False(t, IsPermanent(cause))
	require.False(t, IsPermanent(nil))
	require.NoError(t, NewPermanentError(nil))
}

func TestNoopStoreAndBus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NoopStore{}

	require.NoError(t, store.Enqueue(ctx, nil, &Message{}))
	require.NoError(t, store.EnqueueMany(ctx, nil, nil))

	claimed, err := store.ClaimBatch(ctx, 10, "lock", time.Now(), time.Second)
	require.NoError(t, err)
	require.Empty(t, claimed)

	_, err = store.ClaimBatch(ctx, 0, "lock", time.Now(), time.Second)
	require.ErrorIs(t, err, ErrInvalidBatchSize)

	require.NoError(t, NoopBus{}.Publish(ctx, OutboundMessage{}))
	require.ErrorIs(t, MessageBusFunc(nil).Publish(ctx, OutboundMessage{}), ErrMessageBusRequired)
}
