// Package relay hosts the process-level pieces of lib-relay: the Launcher
// that runs the outbox dispatcher and the integration-event consumer side by
// side, and the context helpers that carry a delivery-scoped logger and
// tracer into handlers.
//
// The delivery pipeline itself lives in subpackages: outbox (store contract
// and dispatcher), rabbitmq (publisher and consumer), idempotency and
// messaging (event contract, registry and outbox publisher).
package relay
