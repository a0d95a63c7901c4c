package constant

import "time"

// Messaging providers.
const (
	ProviderNone     = "none"
	ProviderRabbitMQ = "rabbitmq"
)

// Outbox dispatcher defaults.
const (
	DefaultOutboxBatchSize      = 50
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxLockTimeout    = 30 * time.Second
	DefaultOutboxMaxRetryCount  = 10
	DefaultOutboxBaseBackoff    = 5 * time.Second
	DefaultOutboxMaxErrorLength = 1024
	// OutboxMaxBackoffExponent caps the doubling of the redelivery delay at base*256.
	OutboxMaxBackoffExponent = 8
	// OutboxDefaultFailureText is stored when a dispatch fails without an error message.
	OutboxDefaultFailureText = "Outbox dispatch failed."
	// OutboxLastErrorColumnLength is the width of the persisted last_error column.
	OutboxLastErrorColumnLength = 2048
)

// RabbitMQ defaults.
const (
	DefaultRabbitMQHost                    = "localhost"
	DefaultRabbitMQPort                    = 5672
	DefaultRabbitMQVirtualHost             = "/"
	DefaultRabbitMQUser                    = "guest"
	DefaultRabbitMQPassword                = "guest"
	DefaultRabbitMQClientName              = "lib-relay"
	DefaultRabbitMQExchange                = "relay.events"
	DefaultRabbitMQExchangeType            = "topic"
	DefaultRabbitMQRoutingKey              = "integration.event"
	DefaultRabbitMQConfirmTimeout          = 10 * time.Second
	DefaultRabbitMQNetworkRecoveryInterval = 10 * time.Second
	DefaultRabbitMQConsumerQueue           = "relay.integration"
	DefaultRabbitMQConsumerRoutingKey      = "#"
	DefaultRabbitMQPrefetch                = 1
	DefaultRabbitMQDeadLetterExchange      = "relay.events.dlx"
	DefaultRabbitMQDeadLetterQueue         = "relay.integration.dlq"
	DefaultRabbitMQDeadLetterRoutingKey    = "dead.letter"
	DefaultConsumerIdempotencyTTLHours     = 24
)

// DefaultIdempotencyKeyPrefix namespaces idempotency keys in shared stores.
const DefaultIdempotencyKeyPrefix = "relay"
