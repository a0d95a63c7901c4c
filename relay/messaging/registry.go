package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Decoder turns a payload into a typed event.
type Decoder func(payload []byte) (IntegrationEvent, error)

// Handler consumes one decoded event.
type Handler func(ctx context.Context, event IntegrationEvent) error

type registration struct {
	decode   Decoder
	handlers []Handler
}

// Registry maps event type discriminators to a decoder and an ordered list of
// handlers. Build it once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registration{}}
}

// RegisterDecoder declares eventType as known. A type with a decoder but no
// handlers is consumed and acknowledged without side effects.
func (registry *Registry) RegisterDecoder(eventType string, decode Decoder) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if decode == nil {
		return ErrDecoderRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.entries == nil {
		registry.entries = make(map[string]*registration)
	}

	if _, exists := registry.entries[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrDecoderAlreadyDefined, normalizedType)
	}

	registry.entries[normalizedType] = &registration{decode: decode}

	return nil
}

// AddHandler appends handler to an already declared eventType. Handlers run
// in registration order.
func (registry *Registry) AddHandler(eventType string, handler Handler) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	entry, ok := registry.entries[normalizedType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, normalizedType)
	}

	entry.handlers = append(entry.handlers, handler)

	return nil
}

// RegisterType declares the event type of T with a JSON decoder.
func RegisterType[T any, PT interface {
	*T
	IntegrationEvent
}](registry *Registry) error {
	return registry.RegisterDecoder(eventTypeOf[T, PT](), jsonDecoder[T, PT]())
}

// Register adds a typed handler for T, declaring the type first when needed.
func Register[T any, PT interface {
	*T
	IntegrationEvent
}](registry *Registry, handler func(ctx context.Context, event PT) error) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	eventType := eventTypeOf[T, PT]()

	if !registry.IsRegistered(eventType) {
		if err := registry.RegisterDecoder(eventType, jsonDecoder[T, PT]()); err != nil {
			return err
		}
	}

	return registry.AddHandler(eventType, func(ctx context.Context, event IntegrationEvent) error {
		typed, ok := event.(PT)
		if !ok {
			return fmt.Errorf("%w: %s received %T", ErrDecodeEvent, eventType, event)
		}

		return handler(ctx, typed)
	})
}

// IsRegistered reports whether eventType has a decoder.
func (registry *Registry) IsRegistered(eventType string) bool {
	if registry == nil {
		return false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	_, ok := registry.entries[strings.TrimSpace(eventType)]

	return ok
}

// Decode decodes payload with the decoder registered for eventType.
func (registry *Registry) Decode(eventType string, payload []byte) (IntegrationEvent, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)

	registry.mu.RLock()
	entry, ok := registry.entries[normalizedType]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, normalizedType)
	}

	event, err := entry.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecodeEvent, normalizedType, err)
	}

	if event == nil {
		return nil, fmt.Errorf("%w: %s: decoder returned nil", ErrDecodeEvent, normalizedType)
	}

	return event, nil
}

// Handlers returns a copy of the handlers registered for eventType.
func (registry *Registry) Handlers(eventType string) []Handler {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	entry, ok := registry.entries[strings.TrimSpace(eventType)]
	if !ok {
		return nil
	}

	return slices.Clone(entry.handlers)
}

// Types lists the registered event types in sorted order.
func (registry *Registry) Types() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	types := lo.Keys(registry.entries)
	registry.mu.RUnlock()

	slices.Sort(types)

	return types
}

func eventTypeOf[T any, PT interface {
	*T
	IntegrationEvent
}]() string {
	var probe T

	return PT(&probe).EventType()
}

func jsonDecoder[T any, PT interface {
	*T
	IntegrationEvent
}]() Decoder {
	return func(payload []byte) (IntegrationEvent, error) {
		event := PT(new(T))
		if err := json.Unmarshal(payload, event); err != nil {
			return nil, err
		}

		return event, nil
	}
}
