//go:build unit

package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/idempotency"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	client redis.UniversalClient
	err    error
}

func (p staticProvider) GetClient(context.Context) (redis.UniversalClient, error) {
	return p.client, p.err
}

func newIdempotencyFixture(t *testing.T, prefix string) (*miniredis.Miniredis, *IdempotencyStore) {
	t.Helper()

	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := NewIdempotencyStore(staticProvider{client: rdb}, prefix)
	require.NoError(t, err)

	return mr, store
}

func TestNewIdempotencyStore_RequiresClient(t *testing.T) {
	store, err := NewIdempotencyStore(nil, "orders")
	require.ErrorIs(t, err, ErrClientRequired)
	assert.Nil(t, store)

	var client *Client

	store, err = NewIdempotencyStore(client, "orders")
	require.ErrorIs(t, err, ErrClientRequired)
	assert.Nil(t, store)
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	mr, store := newIdempotencyFixture(t, "orders")
	ctx := context.Background()

	begun, err := store.TryBegin(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, begun)

	raw, err := mr.Get("orders:idempotency:evt-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"in_progress"}`, raw)
	assert.Equal(t, time.Minute, mr.TTL("orders:idempotency:evt-1"))

	begun, err = store.TryBegin(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, begun)

	completed, err := store.IsCompleted(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, completed)

	require.NoError(t, store.MarkCompleted(ctx, "evt-1", time.Hour))

	raw, err = mr.Get("orders:idempotency:evt-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"completed"}`, raw)
	assert.Equal(t, time.Hour, mr.TTL("orders:idempotency:evt-1"))

	completed, err = store.IsCompleted(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, completed)

	begun, err = store.TryBegin(ctx, "evt-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, begun)
}

func TestIdempotencyStore_ExpiryAllowsNewClaim(t *testing.T) {
	mr, store := newIdempotencyFixture(t, "")
	ctx := context.Background()

	begun, err := store.TryBegin(ctx, "evt-2", 10*time.Second)
	require.NoError(t, err)
	require.True(t, begun)
	assert.True(t, mr.Exists("relay:idempotency:evt-2"))

	mr.FastForward(11 * time.Second)

	begun, err = store.TryBegin(ctx, "evt-2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, begun)
}

func TestIdempotencyStore_ReleaseAllowsRetry(t *testing.T) {
	mr, store := newIdempotencyFixture(t, "billing")
	ctx := context.Background()

	begun, err := store.TryBegin(ctx, "evt-3", time.Minute)
	require.NoError(t, err)
	require.True(t, begun)

	require.NoError(t, store.Release(ctx, "evt-3"))
	assert.False(t, mr.Exists("billing:idempotency:evt-3"))

	require.NoError(t, store.Release(ctx, "evt-3"))

	begun, err = store.TryBegin(ctx, "evt-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, begun)
}

func TestIdempotencyStore_KeyNormalization(t *testing.T) {
	mr, store := newIdempotencyFixture(t, "tenant:a")

	begun, err := store.TryBegin(context.Background(), "order:42", time.Minute)
	require.NoError(t, err)
	require.True(t, begun)

	assert.True(t, mr.Exists("tenant_a:idempotency:order_42"))
}

func TestIdempotencyStore_IsCompletedForeignRecords(t *testing.T) {
	mr, store := newIdempotencyFixture(t, "orders")
	ctx := context.Background()

	require.NoError(t, mr.Set("orders:idempotency:upper", `{"status":"COMPLETED"}`))
	require.NoError(t, mr.Set("orders:idempotency:empty", ""))
	require.NoError(t, mr.Set("orders:idempotency:corrupt", "{not json"))

	completed, err := store.IsCompleted(ctx, "upper")
	require.NoError(t, err)
	assert.True(t, completed)

	completed, err = store.IsCompleted(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, completed)

	completed, err = store.IsCompleted(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, completed)

	_, err = store.IsCompleted(ctx, "corrupt")
	require.ErrorContains(t, err, "decode idempotency record")
}

func TestIdempotencyStore_ValidatesBeforeIO(t *testing.T) {
	provider := staticProvider{err: errors.New("must not be called")}

	store, err := NewIdempotencyStore(provider, "orders")
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.TryBegin(ctx, " ", time.Minute)
	require.ErrorIs(t, err, idempotency.ErrKeyRequired)

	_, err = store.TryBegin(ctx, "evt", 0)
	require.ErrorIs(t, err, idempotency.ErrInvalidTTL)

	require.ErrorIs(t, store.MarkCompleted(ctx, "evt", -time.Second), idempotency.ErrInvalidTTL)
	require.ErrorIs(t, store.Release(ctx, ""), idempotency.ErrKeyRequired)

	_, err = store.IsCompleted(ctx, "")
	require.ErrorIs(t, err, idempotency.ErrKeyRequired)

	_, err = store.TryBegin(ctx, "evt", time.Minute)
	require.ErrorContains(t, err, "must not be called")
}

func TestIdempotencyStore_ServerErrorsAreWrapped(t *testing.T) {
	mr, store := newIdempotencyFixture(t, "orders")
	mr.SetError("LOADING")

	_, err := store.TryBegin(context.Background(), "evt", time.Minute)
	require.ErrorContains(t, err, "idempotency try begin")

	require.ErrorContains(t, store.MarkCompleted(context.Background(), "evt", time.Minute), "idempotency mark completed")
}

func TestIdempotencyStore_ConcurrentTryBeginSingleWinner(t *testing.T) {
	_, store := newIdempotencyFixture(t, "orders")

	var (
		winners atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			begun, err := store.TryBegin(context.Background(), "evt-race", time.Minute)
			if err == nil && begun {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestIdempotencyStore_WithClientWrapper(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewIdempotencyStore(client, "wrapped")
	require.NoError(t, err)

	var _ idempotency.Store = store

	begun, err := store.TryBegin(context.Background(), "evt", time.Minute)
	require.NoError(t, err)
	assert.True(t, begun)
	assert.True(t, mr.Exists("wrapped:idempotency:evt"))
}
