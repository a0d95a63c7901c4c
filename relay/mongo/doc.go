// Package mongo manages a MongoDB client for the relay: lazy reconnects with
// rate-limited backoff, index bootstrapping, and multi-document transactions
// for the document outbox store.
package mongo
