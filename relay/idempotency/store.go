package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrKeyRequired = errors.New("idempotency key is required")
	ErrInvalidTTL  = errors.New("idempotency ttl must be greater than zero")
	ErrNilStore    = errors.New("idempotency store is nil")
)

// Status is the state of one idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Record is the serialized form stored by remote implementations.
type Record struct {
	Status Status `json:"status"`
}

// Store is an idempotency ledger with an atomic claim-if-absent.
type Store interface {
	// TryBegin records key as InProgress for ttl when no live record exists.
	// It reports false when a record is already present.
	TryBegin(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// MarkCompleted overwrites the record for key with Completed for ttl.
	MarkCompleted(ctx context.Context, key string, ttl time.Duration) error
	// IsCompleted reports whether a live Completed record exists for key.
	IsCompleted(ctx context.Context, key string) (bool, error)
	// Release removes the record for key so a later delivery can retry.
	Release(ctx context.Context, key string) error
}

// ValidateKey rejects blank keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrKeyRequired
	}

	return nil
}

// ValidateInputs checks the arguments of TryBegin and MarkCompleted.
func ValidateInputs(key string, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if ttl <= 0 {
		return ErrInvalidTTL
	}

	return nil
}

// IsCompletedStatus compares case-insensitively, matching records written by
// other producers.
func IsCompletedStatus(status Status) bool {
	return strings.EqualFold(string(status), string(StatusCompleted))
}
