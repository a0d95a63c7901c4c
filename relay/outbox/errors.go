package outbox

import (
	"errors"
	"fmt"
)

var (
	ErrStoreRequired           = errors.New("outbox store is required")
	ErrMessageBusRequired      = errors.New("outbox message bus is required")
	ErrOutboxDispatcherNil     = errors.New("outbox dispatcher is required")
	ErrOutboxDispatcherRunning = errors.New("outbox dispatcher is already running")
	ErrMessageRequired         = errors.New("outbox message is required")
	ErrMessageTypeRequired     = errors.New("outbox message type is required")
	ErrMessagePayloadRequired  = errors.New("outbox message payload is required")
	ErrMessagePayloadTooLarge  = errors.New("outbox message payload exceeds maximum allowed size")
	ErrMessageIDRequired       = errors.New("outbox message id is required")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")

	// ErrInvalidClaim is wrapped by every ClaimBatch argument error.
	ErrInvalidClaim       = errors.New("invalid outbox claim")
	ErrInvalidBatchSize   = fmt.Errorf("%w: batch size must be greater than zero", ErrInvalidClaim)
	ErrInvalidLockID      = fmt.Errorf("%w: lock id is required", ErrInvalidClaim)
	ErrInvalidLockTimeout = fmt.Errorf("%w: lock timeout must be greater than zero", ErrInvalidClaim)

	// ErrLockLost is returned by MarkSucceeded and MarkFailed when the row is
	// no longer held by the given lock id.
	ErrLockLost = errors.New("outbox lock lost")
)

// PermanentError marks a failure that will not succeed on retry.
type PermanentError struct {
	Err error
}

// NewPermanentError wraps err as permanent. A nil err yields nil.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}

	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// IsPermanent reports whether any error in err's chain is a *PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}
