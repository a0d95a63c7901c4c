package constant

// AMQP message headers written by the publisher and read by the consumer.
const (
	HeaderCorrelationID  = "x-correlation-id"
	HeaderCausationID    = "x-causation-id"
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderVersion        = "x-version"
	// HeaderHeadersJSON carries the opaque header blob stored with the outbox row.
	HeaderHeadersJSON = "headers_json"

	HeaderDeadLetterExchange   = "x-dead-letter-exchange"
	HeaderDeadLetterRoutingKey = "x-dead-letter-routing-key"

	// HeaderTraceparent is the W3C traceparent header key.
	HeaderTraceparent = "traceparent"
	// HeaderTracestate is the W3C tracestate header key.
	HeaderTracestate = "tracestate"
)

// ContentTypeJSON is the content type of every published payload.
const ContentTypeJSON = "application/json"

// TenantHeadersJSONKey is the key of the tenant id inside headers_json.
const TenantHeadersJSONKey = "tenantId"
