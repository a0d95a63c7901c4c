package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	status    Status
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store. It does not deduplicate across
// processes; use it for tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	keys    KeyBuilder
	now     func() time.Time
	entries map[string]memoryEntry
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(store *MemoryStore) {
		if now != nil {
			store.now = now
		}
	}
}

// WithMemoryKeyBuilder sets the key namespace.
func WithMemoryKeyBuilder(keys KeyBuilder) MemoryOption {
	return func(store *MemoryStore) {
		store.keys = keys
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		keys:    NewKeyBuilder(""),
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

func (store *MemoryStore) TryBegin(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if store == nil {
		return false, ErrNilStore
	}

	if err := ValidateInputs(key, ttl); err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	storageKey := store.keys.Build(key)
	now := store.now()

	store.mu.Lock()
	defer store.mu.Unlock()

	if entry, ok := store.entries[storageKey]; ok && entry.expiresAt.After(now) {
		return false, nil
	}

	store.entries[storageKey] = memoryEntry{status: StatusInProgress, expiresAt: now.Add(ttl)}

	return true, nil
}

func (store *MemoryStore) MarkCompleted(ctx context.Context, key string, ttl time.Duration) error {
	if store == nil {
		return ErrNilStore
	}

	if err := ValidateInputs(key, ttl); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	storageKey := store.keys.Build(key)

	store.mu.Lock()
	defer store.mu.Unlock()

	store.entries[storageKey] = memoryEntry{status: StatusCompleted, expiresAt: store.now().Add(ttl)}

	return nil
}

func (store *MemoryStore) IsCompleted(ctx context.Context, key string) (bool, error) {
	if store == nil {
		return false, ErrNilStore
	}

	if err := ValidateKey(key); err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	storageKey := store.keys.Build(key)

	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.entries[storageKey]
	if !ok {
		return false, nil
	}

	if !entry.expiresAt.After(store.now()) {
		delete(store.entries, storageKey)

		return false, nil
	}

	return IsCompletedStatus(entry.status), nil
}

func (store *MemoryStore) Release(ctx context.Context, key string) error {
	if store == nil {
		return ErrNilStore
	}

	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.entries, store.keys.Build(key))

	return nil
}

// Len returns the number of stored records, expired ones included.
func (store *MemoryStore) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	return len(store.entries)
}
