package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-relay/internal/config"
	"github.com/LerianStudio/lib-relay/relay/log"
	libMongo "github.com/LerianStudio/lib-relay/relay/mongo"
	outboxMongo "github.com/LerianStudio/lib-relay/relay/outbox/mongo"
	outboxPostgres "github.com/LerianStudio/lib-relay/relay/outbox/postgres"
	libPostgres "github.com/LerianStudio/lib-relay/relay/postgres"
	"github.com/LerianStudio/lib-relay/relay/rabbitmq"
	libRedis "github.com/LerianStudio/lib-relay/relay/redis"
)

const defaultCheckTimeout = 5 * time.Second

// Migrate prepares the configured outbox backend: it applies the embedded
// schema migrations on postgres or creates the indexes on mongo.
func Migrate(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	if logger == nil {
		logger = log.NewNop()
	}

	switch cfg.Persistence.Provider {
	case config.ProviderPostgres:
		pg := cfg.Persistence.Postgres
		if pg.Table != "" && pg.Table != outboxPostgres.DefaultTableName {
			logger.Log(ctx, log.LevelWarn, "embedded migrations create the default table only",
				log.String("default_table", outboxPostgres.DefaultTableName),
				log.String("configured_table", pg.Table),
			)
		}

		migrator, err := libPostgres.NewMigrator(libPostgres.MigrationConfig{
			PrimaryDSN:   pg.PrimaryDSN,
			DatabaseName: pg.DatabaseName,
			Source:       outboxPostgres.Migrations,
			SourcePath:   outboxPostgres.MigrationsPath,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("init migrator: %w", err)
		}

		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("apply outbox migrations: %w", err)
		}
	case config.ProviderMongo:
		mongoCfg, err := cfg.Mongo()
		if err != nil {
			return err
		}

		mongoCfg.Logger = logger

		client, err := libMongo.NewClient(ctx, mongoCfg)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}

		defer func() { _ = client.Close(context.WithoutCancel(ctx)) }()

		store, err := outboxMongo.NewStore(client,
			outboxMongo.WithLogger(logger),
			outboxMongo.WithCollectionName(cfg.Persistence.Mongo.Collection),
		)
		if err != nil {
			return fmt.Errorf("init mongo outbox store: %w", err)
		}

		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure outbox indexes: %w", err)
		}
	default:
		return ErrNoPersistence
	}

	logger.Log(ctx, log.LevelInfo, "outbox schema is up to date", log.String("provider", cfg.Persistence.Provider))

	return nil
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Healthy reports whether the probe succeeded.
func (r CheckResult) Healthy() bool { return r.Err == nil }

type check struct {
	name  string
	probe func(ctx context.Context) error
}

// Health probes every dependency the config enables, one after the other,
// each under its own timeout.
func Health(ctx context.Context, cfg *config.Config, logger log.Logger) []CheckResult {
	checks := healthChecks(cfg, logger)
	results := make([]CheckResult, 0, len(checks))

	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
		started := time.Now()

		err := c.probe(checkCtx)

		cancel()

		results = append(results, CheckResult{Name: c.name, Err: err, Duration: time.Since(started)})
	}

	return results
}

func healthChecks(cfg *config.Config, logger log.Logger) []check {
	if logger == nil {
		logger = log.NewNop()
	}

	var checks []check

	switch cfg.Persistence.Provider {
	case config.ProviderPostgres:
		checks = append(checks, check{name: config.ProviderPostgres, probe: func(ctx context.Context) error {
			pgCfg := cfg.Postgres()
			pgCfg.Logger = logger

			client, err := libPostgres.New(pgCfg)
			if err != nil {
				return err
			}

			defer func() { _ = client.Close() }()

			if err := client.Connect(ctx); err != nil {
				return err
			}

			return client.Ping(ctx)
		}})
	case config.ProviderMongo:
		checks = append(checks, check{name: config.ProviderMongo, probe: func(ctx context.Context) error {
			mongoCfg, err := cfg.Mongo()
			if err != nil {
				return err
			}

			mongoCfg.Logger = logger

			// NewClient pings before returning.
			client, err := libMongo.NewClient(ctx, mongoCfg)
			if err != nil {
				return err
			}

			return client.Close(ctx)
		}})
	}

	if cfg.Messaging.RabbitMQ.ConsumerEnabled && cfg.Idempotency.Provider == config.ProviderRedis {
		checks = append(checks, check{name: config.ProviderRedis, probe: func(ctx context.Context) error {
			redisCfg := cfg.Redis()
			redisCfg.Logger = logger

			client, err := libRedis.New(ctx, redisCfg)
			if err != nil {
				return err
			}

			defer func() { _ = client.Close() }()

			return client.Ping(ctx)
		}})
	}

	if cfg.Messaging.Provider == config.ProviderRabbitMQ {
		checks = append(checks, check{name: config.ProviderRabbitMQ, probe: func(ctx context.Context) error {
			return rabbitmq.HealthCheck(ctx, cfg.RabbitMQ())
		}})
	}

	return checks
}
