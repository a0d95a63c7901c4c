// Package backoff computes retry delays for the relay loops: the capped
// exponential schedule used for outbox redelivery and jittered delays used
// when reconnecting to the broker.
package backoff
