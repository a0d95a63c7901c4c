// Package redis provides a Redis/Valkey client (standalone, sentinel or
// cluster topology) and an idempotency.Store backed by SET NX.
package redis
