// Package opentelemetry wires the relay into OpenTelemetry: provider setup
// with OTLP exporters, span helpers and W3C trace-context propagation across
// AMQP message headers.
//
// NewTelemetry can run disabled, in which case in-process providers are
// returned so instrumented code keeps working without a collector.
package opentelemetry
