// Package idempotency defines the key/status ledger consumers use to process
// each delivery at most once per TTL window.
//
// A key moves through InProgress (TryBegin) to Completed (MarkCompleted), or
// is removed again by Release when handling fails. Implementations live here
// (MemoryStore, NoopStore) and in relay/redis.
package idempotency
