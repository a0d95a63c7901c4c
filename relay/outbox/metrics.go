package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const dispatcherMeterName = "relay.outbox.dispatcher"

// dispatcherMetrics holds the per-cycle instruments. The zero value records
// nothing.
type dispatcherMetrics struct {
	dispatched  metric.Int64Counter
	failed      metric.Int64Counter
	poisoned    metric.Int64Counter
	stateFailed metric.Int64Counter
	latency     metric.Float64Histogram
	claimed     metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(dispatcherMeterName)

	var m dispatcherMetrics

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.dispatched, "outbox.messages.dispatched", "Outbox messages published and marked succeeded"},
		{&m.failed, "outbox.messages.failed", "Outbox publish attempts that failed and were scheduled for retry"},
		{&m.poisoned, "outbox.messages.poisoned", "Outbox messages moved to poison"},
		{&m.stateFailed, "outbox.messages.state_update_failed", "Outbox outcomes that could not be persisted"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("{message}"))
		if err != nil {
			return dispatcherMetrics{}, fmt.Errorf("create %s: %w", c.name, err)
		}

		*c.target = counter
	}

	var err error

	m.latency, err = meter.Float64Histogram("outbox.dispatch.latency",
		metric.WithDescription("Duration of one dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency: %w", err)
	}

	m.claimed, err = meter.Int64Gauge("outbox.batch.claimed",
		metric.WithDescription("Outbox messages claimed by the last dispatch cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.claimed: %w", err)
	}

	return m, nil
}

func (m dispatcherMetrics) recordClaimed(ctx context.Context, claimed int) {
	if m.claimed != nil {
		m.claimed.Record(ctx, int64(claimed))
	}
}

func (m dispatcherMetrics) recordCycle(ctx context.Context, result DispatchResult, elapsed time.Duration) {
	add := func(counter metric.Int64Counter, n int) {
		if counter != nil && n > 0 {
			counter.Add(ctx, int64(n))
		}
	}

	add(m.dispatched, result.Published)
	add(m.failed, result.Failed)
	add(m.poisoned, result.Poisoned)
	add(m.stateFailed, result.StateUpdateFailed)

	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds())
	}
}
