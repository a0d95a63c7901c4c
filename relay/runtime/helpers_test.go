//go:build unit

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/log"
)

// testLogger captures log calls across the runtime tests.
type testLogger struct {
	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
	logged   chan struct{}
}

func newTestLogger() *testLogger {
	return &testLogger{logged: make(chan struct{}, 1)}
}

func (logger *testLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	logger.messages = append(logger.messages, msg)
	logger.fields = append(logger.fields, fields)

	select {
	case logger.logged <- struct{}{}:
	default:
	}
}

func (logger *testLogger) count() int {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	return len(logger.messages)
}

func (logger *testLogger) field(key string) (any, bool) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	for _, set := range logger.fields {
		for _, f := range set {
			if f.Key == key {
				return f.Value, true
			}
		}
	}

	return nil, false
}

func (logger *testLogger) waitForLog(timeout time.Duration) bool {
	select {
	case <-logger.logged:
		return true
	case <-time.After(timeout):
		return false
	}
}
