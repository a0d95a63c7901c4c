// Package bootstrap turns a loaded config into a running relay worker: the
// outbox store, the broker bus, the dispatcher and the consumer.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-relay/internal/config"
	"github.com/LerianStudio/lib-relay/internal/events"
	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/circuitbreaker"
	"github.com/LerianStudio/lib-relay/relay/idempotency"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/messaging"
	libMongo "github.com/LerianStudio/lib-relay/relay/mongo"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	outboxMongo "github.com/LerianStudio/lib-relay/relay/outbox/mongo"
	outboxPostgres "github.com/LerianStudio/lib-relay/relay/outbox/postgres"
	libPostgres "github.com/LerianStudio/lib-relay/relay/postgres"
	"github.com/LerianStudio/lib-relay/relay/rabbitmq"
	libRedis "github.com/LerianStudio/lib-relay/relay/redis"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	libZap "github.com/LerianStudio/lib-relay/relay/zap"
)

const (
	instrumentationName = "github.com/LerianStudio/lib-relay"

	DispatcherApp = "outbox-dispatcher"
	ConsumerApp   = "rabbitmq-consumer"
)

var (
	// ErrNothingToRun is returned by Run when neither the outbox nor the
	// consumer is enabled.
	ErrNothingToRun = errors.New("nothing to run: enable messaging.outbox or the rabbitmq consumer")
	// ErrNoPersistence is returned by Migrate when persistence.provider is none.
	ErrNoPersistence = errors.New("no durable outbox configured: persistence.provider is none")
)

// Worker owns every component built from a Config. Close releases them in
// reverse construction order.
type Worker struct {
	cfg        *config.Config
	logger     log.Logger
	telemetry  *libOpentelemetry.Telemetry
	store      outbox.Store
	bus        outbox.MessageBus
	dispatcher *outbox.Dispatcher
	consumer   *rabbitmq.Consumer
	// Each loop dials its own broker connection so flow control on the
	// publisher never blocks consumer acks.
	publisherConn *rabbitmq.Connection
	consumerConn  *rabbitmq.Connection
	apps       []string
	closers    []closer
}

type closer struct {
	name  string
	close func(context.Context) error
}

// NewLogger builds the service logger from the service section.
func NewLogger(cfg *config.Config) (*libZap.Logger, error) {
	return libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.Service.Environment),
		Level:           cfg.Service.LogLevel,
		OTelLibraryName: instrumentationName,
	})
}

// Build connects the configured backends and assembles the worker. On error
// everything built so far is closed again.
func Build(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *Worker, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", config.ErrInvalidConfig)
	}

	if logger == nil {
		logger = log.NewNop()
	}

	w := &Worker{cfg: cfg, logger: logger}

	defer func() {
		if err != nil {
			_ = w.Close(context.WithoutCancel(ctx))
		}
	}()

	w.telemetry, err = libOpentelemetry.NewTelemetry(ctx, &libOpentelemetry.TelemetryConfig{
		LibraryName:               instrumentationName,
		ServiceName:               cfg.Service.Name,
		ServiceVersion:            cfg.Service.Version,
		DeploymentEnv:             cfg.Service.Environment,
		CollectorExporterEndpoint: cfg.Telemetry.Endpoint,
		EnableTelemetry:           cfg.Telemetry.Enabled,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	w.onClose("telemetry", w.telemetry.Shutdown)

	runtime.SetProductionMode(cfg.Service.Environment == string(libZap.EnvironmentProduction))

	if err = runtime.InitPanicMetrics(w.telemetry.MeterProvider.Meter(instrumentationName)); err != nil {
		return nil, fmt.Errorf("init panic metrics: %w", err)
	}

	if w.store, err = w.buildStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Messaging.Outbox.Enabled {
		if err = w.buildDispatcher(); err != nil {
			return nil, err
		}
	}

	if cfg.Messaging.RabbitMQ.ConsumerEnabled {
		if err = w.buildConsumer(ctx); err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (w *Worker) buildStore(ctx context.Context) (outbox.Store, error) {
	meterProvider := w.telemetry.MeterProvider

	switch w.cfg.Persistence.Provider {
	case config.ProviderPostgres:
		pgCfg := w.cfg.Postgres()
		pgCfg.Logger = w.logger

		client, err := libPostgres.New(pgCfg)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}

		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}

		w.onClose("postgres", func(context.Context) error { return client.Close() })

		store, err := outboxPostgres.NewStore(client,
			outboxPostgres.WithLogger(w.logger),
			outboxPostgres.WithTableName(w.cfg.Persistence.Postgres.Table),
		)
		if err != nil {
			return nil, fmt.Errorf("init postgres outbox store: %w", err)
		}

		return store, nil
	case config.ProviderMongo:
		mongoCfg, err := w.cfg.Mongo()
		if err != nil {
			return nil, err
		}

		mongoCfg.Logger = w.logger
		mongoCfg.MeterProvider = meterProvider

		client, err := libMongo.NewClient(ctx, mongoCfg)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}

		w.onClose("mongo", client.Close)

		store, err := outboxMongo.NewStore(client,
			outboxMongo.WithLogger(w.logger),
			outboxMongo.WithCollectionName(w.cfg.Persistence.Mongo.Collection),
		)
		if err != nil {
			return nil, fmt.Errorf("init mongo outbox store: %w", err)
		}

		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure outbox indexes: %w", err)
		}

		return store, nil
	default:
		w.logger.Log(ctx, log.LevelWarn, "no durable outbox configured, messages are not persisted")

		return outbox.NoopStore{}, nil
	}
}

// newConnection prepares a broker connection named after the service and
// role. It returns nil when messaging.provider is not rabbitmq.
func (w *Worker) newConnection(role string) (*rabbitmq.Connection, error) {
	if w.cfg.Messaging.Provider != config.ProviderRabbitMQ {
		return nil, nil
	}

	rmqCfg := w.cfg.RabbitMQ()
	rmqCfg.ClientProvidedName = connectionName(rmqCfg.ClientProvidedName, role)

	conn, err := rabbitmq.NewConnection(rmqCfg,
		rabbitmq.WithConnectionLogger(w.logger.With(log.String("connection", rmqCfg.ClientProvidedName))),
		rabbitmq.WithConnectionMeterProvider(w.telemetry.MeterProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("init rabbitmq %s connection: %w", role, err)
	}

	w.onClose("rabbitmq "+role+" connection", func(context.Context) error { return conn.Close() })

	return conn, nil
}

func connectionName(base, role string) string {
	if base == "" {
		return role
	}

	return base + "-" + role
}

func (w *Worker) buildDispatcher() error {
	w.bus = outbox.NoopBus{}

	conn, err := w.newConnection("publisher")
	if err != nil {
		return err
	}

	if conn != nil {
		w.publisherConn = conn

		bus, err := rabbitmq.NewBus(conn, w.cfg.RabbitMQ(), rabbitmq.WithBusLogger(w.logger))
		if err != nil {
			return fmt.Errorf("init rabbitmq bus: %w", err)
		}

		w.onClose("rabbitmq bus", func(context.Context) error { return bus.Close() })
		w.bus = bus
	}

	opts := []outbox.DispatcherOption{
		outbox.WithConfig(w.cfg.Dispatcher()),
		outbox.WithLogger(w.logger),
		outbox.WithTracer(w.telemetry.Tracer()),
		outbox.WithMeterProvider(w.telemetry.MeterProvider),
	}

	if w.cfg.CircuitBreaker.Enabled {
		name := w.cfg.Service.Name + ".broker"

		breakers := circuitbreaker.NewManager(w.logger)
		breakers.GetOrCreate(name, w.cfg.Breaker())

		opts = append(opts, outbox.WithCircuitBreaker(breakers, name))
	}

	dispatcher, err := outbox.NewDispatcher(w.store, w.bus, opts...)
	if err != nil {
		return fmt.Errorf("init outbox dispatcher: %w", err)
	}

	w.onClose("outbox dispatcher", dispatcher.Shutdown)
	w.dispatcher = dispatcher
	w.apps = append(w.apps, DispatcherApp)

	return nil
}

func (w *Worker) buildConsumer(ctx context.Context) error {
	if w.cfg.Messaging.Provider != config.ProviderRabbitMQ {
		return fmt.Errorf("%w: consumer requires messaging.provider=rabbitmq", config.ErrInvalidConfig)
	}

	store, err := w.buildIdempotencyStore(ctx)
	if err != nil {
		return err
	}

	registry := messaging.NewRegistry()
	if err := events.Register(registry, w.logger); err != nil {
		return fmt.Errorf("register event handlers: %w", err)
	}

	conn, err := w.newConnection("consumer")
	if err != nil {
		return err
	}

	w.consumerConn = conn

	consumer, err := rabbitmq.NewConsumer(conn, registry, store, w.cfg.RabbitMQ(),
		rabbitmq.WithConsumerLogger(w.logger),
		rabbitmq.WithConsumerMeterProvider(w.telemetry.MeterProvider),
		rabbitmq.WithConsumerTag(w.cfg.Service.Name),
	)
	if err != nil {
		return fmt.Errorf("init rabbitmq consumer: %w", err)
	}

	w.onClose("rabbitmq consumer", func(context.Context) error {
		consumer.Stop()

		return nil
	})
	w.consumer = consumer
	w.apps = append(w.apps, ConsumerApp)

	return nil
}

func (w *Worker) buildIdempotencyStore(ctx context.Context) (idempotency.Store, error) {
	prefix := w.cfg.Idempotency.KeyPrefix

	switch w.cfg.Idempotency.Provider {
	case config.ProviderRedis:
		redisCfg := w.cfg.Redis()
		redisCfg.Logger = w.logger
		redisCfg.MeterProvider = w.telemetry.MeterProvider

		client, err := libRedis.New(ctx, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}

		w.onClose("redis", func(context.Context) error { return client.Close() })

		store, err := libRedis.NewIdempotencyStore(client, prefix)
		if err != nil {
			return nil, fmt.Errorf("init redis idempotency store: %w", err)
		}

		return store, nil
	case config.ProviderNone:
		w.logger.Log(ctx, log.LevelWarn, "idempotency disabled, redelivered messages run their handlers again")

		return idempotency.NoopStore{}, nil
	default:
		return idempotency.NewMemoryStore(idempotency.WithMemoryKeyBuilder(idempotency.NewKeyBuilder(prefix))), nil
	}
}

func (w *Worker) onClose(name string, fn func(context.Context) error) {
	w.closers = append(w.closers, closer{name: name, close: fn})
}

// Apps lists the long-running components Run starts.
func (w *Worker) Apps() []string {
	return append([]string(nil), w.apps...)
}

// Store is the outbox store the dispatcher drains.
//
//nolint:ireturn
func (w *Worker) Store() outbox.Store {
	return w.store
}

// Run starts the dispatcher and the consumer under one launcher and blocks
// until ctx is cancelled or one of them fails.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.apps) == 0 {
		return ErrNothingToRun
	}

	opts := []relay.LauncherOption{relay.WithLogger(w.logger)}

	if w.dispatcher != nil {
		opts = append(opts, relay.RunApp(DispatcherApp, w.dispatcher))
	}

	if w.consumer != nil {
		opts = append(opts, relay.RunApp(ConsumerApp, w.consumer))
	}

	return relay.NewLauncher(opts...).Run(ctx)
}

// Close stops the apps and releases every backend, newest first. Errors are
// logged and joined.
func (w *Worker) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}

	var errs []error

	for i := len(w.closers) - 1; i >= 0; i-- {
		c := w.closers[i]

		if err := c.close(ctx); err != nil {
			w.logger.Log(ctx, log.LevelWarn, "close failed", log.String("component", c.name), log.Err(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	w.closers = nil

	return errors.Join(errs...)
}
