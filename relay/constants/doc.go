// Package constant holds the literals shared by the relay packages: AMQP
// header names, telemetry attribute keys and configuration defaults.
//
// Keep this package free of runtime behavior.
package constant
