package runtime

import "context"

// SafeGo runs fn in a goroutine that recovers panics according to policy.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer Recover(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContext runs fn in a goroutine and records a recovered panic on
// the span carried by ctx, labelled with component.
func SafeGoWithContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer Recover(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
