package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageBus publishes one outbox message to the broker. Returning nil means
// the broker has taken responsibility for the message.
type MessageBus interface {
	Publish(ctx context.Context, message OutboundMessage) error
}

// MessageBusFunc adapts a function to MessageBus.
type MessageBusFunc func(ctx context.Context, message OutboundMessage) error

func (fn MessageBusFunc) Publish(ctx context.Context, message OutboundMessage) error {
	if fn == nil {
		return ErrMessageBusRequired
	}

	return fn(ctx, message)
}

// NoopBus accepts and drops every message. Used when no broker provider is
// configured.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, OutboundMessage) error { return nil }

// NoopStore stores nothing and never returns claimable rows.
type NoopStore struct{}

func (NoopStore) Enqueue(context.Context, Tx, *Message) error { return nil }

func (NoopStore) EnqueueMany(context.Context, Tx, []*Message) error { return nil }

func (NoopStore) ClaimBatch(_ context.Context, batchSize int, lockID string, _ time.Time, lockTimeout time.Duration) ([]PendingMessage, error) {
	if err := ValidateClaim(batchSize, lockID, lockTimeout); err != nil {
		return nil, err
	}

	return nil, nil
}

func (NoopStore) MarkSucceeded(context.Context, uuid.UUID, string, time.Time) error { return nil }

func (NoopStore) MarkFailed(context.Context, uuid.UUID, string, string, time.Time, bool) error {
	return nil
}

var (
	_ MessageBus = NoopBus{}
	_ MessageBus = MessageBusFunc(nil)
	_ Store      = NoopStore{}
)
