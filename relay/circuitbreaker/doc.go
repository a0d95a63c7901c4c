// Package circuitbreaker guards calls to the broker with sony/gobreaker so a
// dispatcher facing a dead broker fails fast instead of waiting on every
// publish confirm timeout.
package circuitbreaker
