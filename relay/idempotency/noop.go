package idempotency

import (
	"context"
	"time"
)

var _ Store = NoopStore{}

// NoopStore begins every key and never reports completion, which disables
// deduplication.
type NoopStore struct{}

func (NoopStore) TryBegin(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NoopStore) MarkCompleted(context.Context, string, time.Duration) error { return nil }

func (NoopStore) IsCompleted(context.Context, string) (bool, error) { return false, nil }

func (NoopStore) Release(context.Context, string) error { return nil }
