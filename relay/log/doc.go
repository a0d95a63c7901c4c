// Package log defines the structured logging contract shared by every relay
// component. Adapters such as the zap package implement Logger.
package log
