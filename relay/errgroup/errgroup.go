package errgroup

import (
	"context"
	"errors"
	"fmt"

	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	xerrgroup "golang.org/x/sync/errgroup"
)

// ErrPanicRecovered wraps the value of a recovered panic.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group is a panic-safe errgroup. The first error, or panic, cancels the
// group context and is returned by Wait.
type Group struct {
	inner  *xerrgroup.Group
	ctx    context.Context
	logger libLog.Logger
}

// WithContext returns a Group and the context cancelled by its first failure.
func WithContext(ctx context.Context) (*Group, context.Context) {
	inner, gctx := xerrgroup.WithContext(ctx)

	return &Group{inner: inner, ctx: gctx}, gctx
}

// SetLogger sets the logger used for recovered panics.
func (grp *Group) SetLogger(logger libLog.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit caps the number of active goroutines. A negative n removes the cap.
func (grp *Group) SetLimit(n int) {
	grp.inner.SetLimit(n)
}

// Go runs fn in the group.
func (grp *Group) Go(fn func() error) {
	grp.GoNamed("group.Go", fn)
}

// GoNamed runs fn in the group; name labels panic logs and metrics.
func (grp *Group) GoNamed(name string, fn func() error) {
	grp.inner.Go(func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.ctx, grp.logger, recovered, "errgroup", name)

				err = fmt.Errorf("%w: %s: %v", ErrPanicRecovered, name, recovered)
			}
		}()

		return fn()
	})
}

// Wait blocks until every goroutine has returned and reports the first error.
func (grp *Group) Wait() error {
	return grp.inner.Wait()
}
