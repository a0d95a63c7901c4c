package outbox

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay/assert"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized payload accepted by Prepare.
const DefaultMaxPayloadBytes = 1 << 20

// MaxMessageTypeLength matches the width of the message type column.
const MaxMessageTypeLength = 512

// Message is a row to enqueue. Headers holds an optional serialized map that
// travels to the broker verbatim.
type Message struct {
	ID             uuid.UUID
	Type           string
	Payload        string
	Headers        string
	OccurredAt     time.Time
	AvailableAt    time.Time
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	Version        int
}

// NewMessage builds a Pending-ready message with a fresh id and both
// timestamps set to now.
func NewMessage(ctx context.Context, messageType, payload string) (*Message, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_message")

	messageType = strings.TrimSpace(messageType)
	if err := asserter.NotEmpty(ctx, messageType, "message type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageTypeRequired, err)
	}

	if err := asserter.NotEmpty(ctx, strings.TrimSpace(payload), "payload is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessagePayloadRequired, err)
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds maximum size",
		"size", len(payload), "max", DefaultMaxPayloadBytes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessagePayloadTooLarge, err)
	}

	now := time.Now().UTC()

	return &Message{
		ID:          uuid.New(),
		Type:        messageType,
		Payload:     payload,
		OccurredAt:  now,
		AvailableAt: now,
		Version:     1,
	}, nil
}

// Prepare validates m and fills the defaults stores rely on: UTC timestamps
// (AvailableAt falls back to OccurredAt, which falls back to now) and
// Version >= 1. Stores call it before inserting.
func (m *Message) Prepare(now time.Time) error {
	if m == nil {
		return ErrMessageRequired
	}

	if m.ID == uuid.Nil {
		return ErrMessageIDRequired
	}

	m.Type = strings.TrimSpace(m.Type)
	if m.Type == "" {
		return ErrMessageTypeRequired
	}

	if len(m.Type) > MaxMessageTypeLength {
		return fmt.Errorf("%w: type longer than %d bytes", ErrMessageTypeRequired, MaxMessageTypeLength)
	}

	if strings.TrimSpace(m.Payload) == "" {
		return ErrMessagePayloadRequired
	}

	if len(m.Payload) > DefaultMaxPayloadBytes {
		return ErrMessagePayloadTooLarge
	}

	if m.OccurredAt.IsZero() {
		m.OccurredAt = now
	}

	if m.AvailableAt.IsZero() {
		m.AvailableAt = m.OccurredAt
	}

	m.OccurredAt = m.OccurredAt.UTC()
	m.AvailableAt = m.AvailableAt.UTC()

	if m.Version < 1 {
		m.Version = 1
	}

	return nil
}

// PendingMessage is a row returned by ClaimBatch. It is held under the lock id
// that claimed it until MarkSucceeded or MarkFailed.
type PendingMessage struct {
	ID             uuid.UUID
	Type           string
	Payload        string
	Headers        string
	OccurredAt     time.Time
	RetryCount     int
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	Version        int
}

// Outbound converts the claimed row into what the bus publishes.
func (p PendingMessage) Outbound() OutboundMessage {
	return OutboundMessage{
		MessageID:      p.ID,
		Type:           p.Type,
		Payload:        p.Payload,
		Headers:        p.Headers,
		CorrelationID:  p.CorrelationID,
		CausationID:    p.CausationID,
		IdempotencyKey: p.IdempotencyKey,
		Version:        p.Version,
	}
}

// OutboundMessage is one publish request handed to a MessageBus.
type OutboundMessage struct {
	MessageID      uuid.UUID
	Type           string
	Payload        string
	Headers        string
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	Version        int
}

// CompactID renders id as 32 lowercase hex characters, the form used for lock
// ids and broker message ids.
func CompactID(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// NewLockID returns a fresh lock id for one dispatch cycle.
func NewLockID() string {
	return CompactID(uuid.New())
}
