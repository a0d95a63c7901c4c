// Package zap adapts go.uber.org/zap to the relay log.Logger contract and
// tees every record into the OpenTelemetry logs bridge.
package zap
