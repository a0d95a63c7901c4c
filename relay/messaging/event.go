package messaging

import (
	"time"

	"github.com/google/uuid"
)

// IntegrationEvent is an event crossing service boundaries. EventType returns a
// versioned discriminator such as "server-time.cache-invalidated.v1".
type IntegrationEvent interface {
	EventType() string
	Meta() *EventMeta
}

// EventMeta is the envelope shared by all integration events. Embed it in the
// event struct to satisfy the Meta half of IntegrationEvent.
type EventMeta struct {
	EventID        uuid.UUID `json:"eventId"`
	OccurredAt     time.Time `json:"occurredAtUtc"`
	Version        int       `json:"version"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	CausationID    string    `json:"causationId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	TenantID       string    `json:"tenantId,omitempty"`
}

// NewEventMeta returns metadata with a fresh id, the current UTC time and
// version 1.
func NewEventMeta() EventMeta {
	return EventMeta{
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
		Version:    1,
	}
}

func (m *EventMeta) Meta() *EventMeta {
	return m
}
