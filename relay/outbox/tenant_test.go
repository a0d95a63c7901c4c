//go:build unit

package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantID_RoundTrip(t *testing.T) {
	t.Parallel()

	tenantID, ok := TenantIDFromContext(ContextWithTenantID(context.Background(), "  acme "))
	assert.True(t, ok)
	assert.Equal(t, "acme", tenantID)
}

func TestTenantID_BlankKeepsParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithTenantID(context.Background(), "acme")

	tenantID, ok := TenantIDFromContext(ContextWithTenantID(parent, " "))
	assert.True(t, ok)
	assert.Equal(t, "acme", tenantID)

	_, ok = TenantIDFromContext(context.Background())
	assert.False(t, ok)

	//nolint:staticcheck
	_, ok = TenantIDFromContext(nil)
	assert.False(t, ok)
}
