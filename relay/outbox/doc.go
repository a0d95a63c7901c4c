// Package outbox provides the transactional outbox: the persisted message
// model, the Store contract, and a polling Dispatcher that claims rows under a
// per-cycle lock id, hands them to a MessageBus and records the outcome with
// capped exponential redelivery and a poison state.
//
// SQL and document stores live in the postgres and mongo subpackages.
package outbox
