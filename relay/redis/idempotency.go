package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-relay/relay/idempotency"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/redis/go-redis/v9"
)

// ErrClientRequired is returned by NewIdempotencyStore without a client.
var ErrClientRequired = errors.New("redis client provider is required")

// ClientProvider hands out the current connection. *Client implements it.
type ClientProvider interface {
	GetClient(ctx context.Context) (redis.UniversalClient, error)
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// IdempotencyStore keeps idempotency records as JSON strings with a TTL.
// TryBegin relies on SET NX, so the claim is atomic across processes.
type IdempotencyStore struct {
	client ClientProvider
	keys   idempotency.KeyBuilder
}

// NewIdempotencyStore returns a store writing keys under keyPrefix (the
// default prefix when blank).
func NewIdempotencyStore(client ClientProvider, keyPrefix string) (*IdempotencyStore, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	return &IdempotencyStore{client: client, keys: idempotency.NewKeyBuilder(keyPrefix)}, nil
}

func (s *IdempotencyStore) TryBegin(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := idempotency.ValidateInputs(key, ttl); err != nil {
		return false, err
	}

	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return false, err
	}

	payload, err := encodeRecord(idempotency.StatusInProgress)
	if err != nil {
		return false, err
	}

	begun, err := rdb.SetNX(ctx, s.keys.Build(key), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency try begin: %w", err)
	}

	return begun, nil
}

func (s *IdempotencyStore) MarkCompleted(ctx context.Context, key string, ttl time.Duration) error {
	if err := idempotency.ValidateInputs(key, ttl); err != nil {
		return err
	}

	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return err
	}

	payload, err := encodeRecord(idempotency.StatusCompleted)
	if err != nil {
		return err
	}

	if err := rdb.Set(ctx, s.keys.Build(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency mark completed: %w", err)
	}

	return nil
}

func (s *IdempotencyStore) IsCompleted(ctx context.Context, key string) (bool, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return false, err
	}

	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return false, err
	}

	payload, err := rdb.Get(ctx, s.keys.Build(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("idempotency is completed: %w", err)
	}

	if len(payload) == 0 {
		return false, nil
	}

	var record idempotency.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return false, fmt.Errorf("decode idempotency record: %w", err)
	}

	return idempotency.IsCompletedStatus(record.Status), nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := idempotency.ValidateKey(key); err != nil {
		return err
	}

	rdb, err := s.client.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := rdb.Del(ctx, s.keys.Build(key)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}

	return nil
}

func encodeRecord(status idempotency.Status) ([]byte, error) {
	payload, err := json.Marshal(idempotency.Record{Status: status})
	if err != nil {
		return nil, fmt.Errorf("encode idempotency record: %w", err)
	}

	return payload, nil
}
