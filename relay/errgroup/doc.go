// Package errgroup runs the relay's long-lived loops side by side. It wraps
// golang.org/x/sync/errgroup so that a panicking loop is recovered, logged and
// turned into an error that cancels its siblings.
package errgroup
