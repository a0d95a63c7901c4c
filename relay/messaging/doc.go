// Package messaging defines integration events, the registry that maps event
// type discriminators to decoders and handlers, and the Publisher that writes
// events to the outbox inside the caller's transaction.
package messaging
