package runtime

import (
	"context"
	"sync/atomic"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var panicCounter atomic.Pointer[metric.Int64Counter]

// InitPanicMetrics registers the recovered-panic counter on meter. A nil
// meter is ignored and later calls replace the counter.
func InitPanicMetrics(meter metric.Meter) error {
	if meter == nil {
		return nil
	}

	counter, err := meter.Int64Counter(
		constant.MetricPanicRecoveredTotal,
		metric.WithUnit("{panic}"),
		metric.WithDescription("Panics recovered in relay goroutines"),
	)
	if err != nil {
		return err
	}

	panicCounter.Store(&counter)

	return nil
}

func recordPanicMetric(ctx context.Context, component, name string) {
	counter := panicCounter.Load()
	if counter == nil {
		return
	}

	(*counter).Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", constant.SanitizeMetricLabel(component)),
		attribute.String("goroutine_name", constant.SanitizeMetricLabel(name)),
	))
}
