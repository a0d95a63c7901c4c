package outbox

import (
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay/circuitbreaker"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultBreakerService = "outbox.message_bus"

// DispatcherConfig controls dispatcher polling, locking and redelivery.
type DispatcherConfig struct {
	// PollInterval is the pause after an empty batch or a failed cycle.
	PollInterval time.Duration
	// BatchSize is the max number of rows claimed per cycle.
	BatchSize int
	// LockTimeout is how long a claim is honored before other workers may reclaim the row.
	LockTimeout time.Duration
	// MaxRetryCount is the retry budget; the attempt reaching it moves the row to Poison.
	MaxRetryCount int
	// BaseBackoff is the first redelivery delay, raised to at least one second.
	BaseBackoff time.Duration
	// MaxErrorLength bounds the error text recorded on failed rows, in runes.
	MaxErrorLength int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   constant.DefaultOutboxPollInterval,
		BatchSize:      constant.DefaultOutboxBatchSize,
		LockTimeout:    constant.DefaultOutboxLockTimeout,
		MaxRetryCount:  constant.DefaultOutboxMaxRetryCount,
		BaseBackoff:    constant.DefaultOutboxBaseBackoff,
		MaxErrorLength: constant.DefaultOutboxMaxErrorLength,
		MeterProvider:  nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaults.LockTimeout
	}

	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaults.MaxRetryCount
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}

	if cfg.MaxErrorLength <= 0 {
		cfg.MaxErrorLength = defaults.MaxErrorLength
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration. Non-positive fields fall back
// to defaults.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithBatchSize sets the maximum rows claimed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithPollInterval sets the idle polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithLockTimeout sets how long a claim stays exclusive.
func WithLockTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.LockTimeout = timeout
		}
	}
}

// WithMaxRetryCount sets the retry budget before a row is poisoned.
func WithMaxRetryCount(maxRetry int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxRetry > 0 {
			dispatcher.cfg.MaxRetryCount = maxRetry
		}
	}
}

// WithBaseBackoff sets the first redelivery delay.
func WithBaseBackoff(base time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.BaseBackoff = base
		}
	}
}

// WithMaxErrorLength bounds the error text stored on failed rows.
func WithMaxErrorLength(length int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if length > 0 {
			dispatcher.cfg.MaxErrorLength = length
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(classifier) {
			dispatcher.retryClassifier = PermanentErrorClassifier

			return
		}

		dispatcher.retryClassifier = classifier
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(logger) {
			dispatcher.logger = logger
		}
	}
}

// WithTracer sets the tracer used for cycle and message spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(tracer) {
			dispatcher.tracer = tracer
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// WithCircuitBreaker routes every publish through the breaker named
// serviceName on manager (blank uses "outbox.message_bus"), registering it
// with circuitbreaker.BrokerConfig when absent. Rejected publishes count as
// failed attempts.
func WithCircuitBreaker(manager *circuitbreaker.Manager, serviceName string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if manager == nil {
			dispatcher.breaker = nil

			return
		}

		serviceName = strings.TrimSpace(serviceName)
		if serviceName == "" {
			serviceName = defaultBreakerService
		}

		manager.GetOrCreate(serviceName, circuitbreaker.BrokerConfig())

		dispatcher.breaker = manager
		dispatcher.breakerService = serviceName
	}
}

// WithClock overrides the time source used for claims and backoff.
func WithClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}

// WithLockIDGenerator overrides how per-cycle lock ids are produced.
func WithLockIDGenerator(generate func() string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if generate != nil {
			dispatcher.newLockID = generate
		}
	}
}
