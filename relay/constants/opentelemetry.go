package constant

import (
	"strings"
	"unicode/utf8"
)

// TelemetrySDKName identifies this library in OTEL instrumentation scopes.
const TelemetrySDKName = "lib-relay"

// MaxMetricLabelLength bounds metric label values to keep cardinality in check.
const MaxMetricLabelLength = 64

// Telemetry attribute key prefixes.
const (
	AttrPrefixAssertion = "assertion."
	AttrPrefixPanic     = "panic."
	AttrPrefixMessaging = "messaging."
)

// Telemetry attribute keys.
const (
	AttrDBSystem            = "db.system"
	AttrDBName              = "db.name"
	AttrDBMongoDBCollection = "db.mongodb.collection"

	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination.name"
	AttrMessagingMessageID   = "messaging.message.id"
	AttrMessagingMessageType = "messaging.message.type"
	AttrMessagingRoutingKey  = "messaging.rabbitmq.destination.routing_key"
	AttrMessagingOutcome     = "messaging.outcome"
	AttrCorrelationID        = "messaging.message.conversation_id"
)

// Database and messaging system identifiers.
const (
	DBSystemPostgreSQL = "postgresql"
	DBSystemMongoDB    = "mongodb"
	DBSystemRedis      = "redis"
	DBSystemRabbitMQ   = "rabbitmq"
)

// Telemetry metric names.
const (
	MetricPanicRecoveredTotal  = "panic_recovered_total"
	MetricAssertionFailedTotal = "assertion_failed_total"
)

// Telemetry event names.
const (
	EventAssertionFailed = "assertion.failed"
	EventPanicRecovered  = "panic.recovered"
)

// SanitizeMetricLabel trims value and cuts it to MaxMetricLabelLength bytes
// without splitting a UTF-8 sequence. Blank values become "unknown" so a
// label is never empty.
func SanitizeMetricLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	if len(value) <= MaxMetricLabelLength {
		return value
	}

	cut := MaxMetricLabelLength
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}

	return value[:cut]
}
