package runtime

import (
	"fmt"
	"sync/atomic"
)

const redactedPanicMsg = "panic recovered (details redacted)"

var productionMode atomic.Bool

// SetProductionMode toggles redaction of panic values and stack traces.
func SetProductionMode(enabled bool) {
	productionMode.Store(enabled)
}

// IsProductionMode reports whether panic details are redacted.
func IsProductionMode() bool {
	return productionMode.Load()
}

// panicMessage renders a recovered value. Payload fragments end up in panic
// values, so production only ever sees the redacted text.
func panicMessage(value any, production bool) string {
	if production {
		return redactedPanicMsg
	}

	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
