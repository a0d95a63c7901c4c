// Package runtime keeps relay goroutines alive across panics. A recovered
// panic is logged, counted and recorded on the active span.
package runtime
