package idempotency

import (
	"strings"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
)

const category = "idempotency"

// KeyBuilder namespaces idempotency keys inside a shared key space as
// <prefix>:idempotency:<key>.
type KeyBuilder struct {
	Prefix string
}

// NewKeyBuilder returns a builder for prefix, falling back to the default
// prefix when blank.
func NewKeyBuilder(prefix string) KeyBuilder {
	if strings.TrimSpace(prefix) == "" {
		prefix = constant.DefaultIdempotencyKeyPrefix
	}

	return KeyBuilder{Prefix: prefix}
}

// Build returns the storage key. Colons inside a segment become underscores
// and blank segments become "unknown".
func (b KeyBuilder) Build(key string) string {
	return normalizeSegment(b.Prefix) + ":" + category + ":" + normalizeSegment(key)
}

func normalizeSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	return strings.ReplaceAll(value, ":", "_")
}
