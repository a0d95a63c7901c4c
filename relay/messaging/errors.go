package messaging

import "errors"

var (
	ErrRegistryRequired      = errors.New("event registry is required")
	ErrEventRequired         = errors.New("integration event is required")
	ErrEventTypeRequired     = errors.New("event type is required")
	ErrEventMetaRequired     = errors.New("integration event metadata is required")
	ErrDecoderRequired       = errors.New("event decoder is required")
	ErrHandlerRequired       = errors.New("event handler is required")
	ErrDecoderAlreadyDefined = errors.New("event decoder already registered")
	ErrUnknownEventType      = errors.New("event type is not registered")
	ErrDecodeEvent           = errors.New("failed to decode integration event")
)
