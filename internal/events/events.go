// Package events holds the integration events the relay worker consumes
// itself.
package events

import (
	"context"

	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/messaging"
)

// CacheInvalidatedType is the wire type of CacheInvalidated.
const CacheInvalidatedType = "server-time.cache-invalidated.v1"

// CacheInvalidated announces that a cached server-time entry was dropped.
type CacheInvalidated struct {
	messaging.EventMeta
	CacheKey string `json:"cacheKey"`
}

func (*CacheInvalidated) EventType() string { return CacheInvalidatedType }

// NewCacheInvalidated stamps fresh metadata on an event for cacheKey.
func NewCacheInvalidated(cacheKey string) *CacheInvalidated {
	return &CacheInvalidated{EventMeta: messaging.NewEventMeta(), CacheKey: cacheKey}
}

// LogCacheInvalidated returns a handler that records each consumed event.
func LogCacheInvalidated(logger log.Logger) func(context.Context, *CacheInvalidated) error {
	if logger == nil {
		logger = log.NewNop()
	}

	return func(ctx context.Context, event *CacheInvalidated) error {
		logger.Log(ctx, log.LevelInfo, "consumed integration event",
			log.String("event_type", CacheInvalidatedType),
			log.String("cache_key", event.CacheKey),
			log.String("event_id", event.EventID.String()),
		)

		return nil
	}
}

// Register wires every built-in handler into registry.
func Register(registry *messaging.Registry, logger log.Logger) error {
	return messaging.Register(registry, LogCacheInvalidated(logger))
}
