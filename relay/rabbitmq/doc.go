// Package rabbitmq carries outbox messages over AMQP 0-9-1.
//
// Bus publishes dispatched outbox rows as persistent messages, waiting for
// publisher confirms when enabled. Consumer declares the queue and its
// dead-letter topology, deduplicates deliveries through an idempotency.Store
// and hands decoded events to the handlers of a messaging.Registry.
package rabbitmq
