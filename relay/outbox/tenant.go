package outbox

import (
	"context"
	"strings"
)

type tenantKey struct{}

// ContextWithTenantID attaches tenantID to ctx. The publisher copies it into
// the message headers when the event carries no tenant of its own, and the
// consumer restores it before running handlers. A blank id leaves ctx as is.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ctx
	}

	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	tenantID, _ := ctx.Value(tenantKey{}).(string)

	return tenantID, tenantID != ""
}
