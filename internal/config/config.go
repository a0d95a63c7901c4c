// Package config loads the relay worker configuration from an optional YAML
// file and RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay/circuitbreaker"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	libMongo "github.com/LerianStudio/lib-relay/relay/mongo"
	"github.com/LerianStudio/lib-relay/relay/outbox"
	libPostgres "github.com/LerianStudio/lib-relay/relay/postgres"
	"github.com/LerianStudio/lib-relay/relay/rabbitmq"
	libRedis "github.com/LerianStudio/lib-relay/relay/redis"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAY"

const (
	ProviderNone     = "none"
	ProviderRabbitMQ = "rabbitmq"
	ProviderPostgres = "postgres"
	ProviderMongo    = "mongo"
	ProviderMemory   = "memory"
	ProviderRedis    = "redis"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid relay config")

type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
	Persistence    PersistenceConfig    `mapstructure:"persistence"`
	Messaging      MessagingConfig      `mapstructure:"messaging"`
	Idempotency    IdempotencyConfig    `mapstructure:"idempotency"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit-breaker"`
}

type ServiceConfig struct {
	Name            string        `mapstructure:"name" validate:"required"`
	Version         string        `mapstructure:"version"`
	Environment     string        `mapstructure:"environment" validate:"oneof=production staging development local"`
	LogLevel        string        `mapstructure:"log-level" validate:"omitempty,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"gt=0"`
}

type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
}

type PersistenceConfig struct {
	Provider string         `mapstructure:"provider" validate:"oneof=none postgres mongo"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

type PostgresConfig struct {
	PrimaryDSN         string        `mapstructure:"primary-dsn"`
	ReplicaDSN         string        `mapstructure:"replica-dsn"`
	DatabaseName       string        `mapstructure:"database-name"`
	Table              string        `mapstructure:"table"`
	MaxOpenConnections int           `mapstructure:"max-open-connections" validate:"gte=0"`
	MaxIdleConnections int           `mapstructure:"max-idle-connections" validate:"gte=0"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn-max-lifetime" validate:"gte=0"`
}

// MongoConfig accepts either a full URI or its parts.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Scheme     string `mapstructure:"scheme"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Database   string `mapstructure:"database"`
	ReplicaSet string `mapstructure:"replica-set"`
	Collection string `mapstructure:"collection"`
	MaxPool    uint64 `mapstructure:"max-pool-size"`
}

type MessagingConfig struct {
	Provider string         `mapstructure:"provider" validate:"oneof=none rabbitmq"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type OutboxConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BatchSize      int           `mapstructure:"batch-size" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll-interval" validate:"gt=0"`
	LockTimeout    time.Duration `mapstructure:"lock-timeout" validate:"gt=0"`
	MaxRetryCount  int           `mapstructure:"max-retry-count" validate:"gt=0"`
	BaseBackoff    time.Duration `mapstructure:"base-backoff" validate:"gt=0"`
	MaxErrorLength int           `mapstructure:"max-error-length" validate:"gt=0"`
}

type RabbitMQConfig struct {
	URL                         string        `mapstructure:"url"`
	Host                        string        `mapstructure:"host"`
	Port                        int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	VirtualHost                 string        `mapstructure:"virtual-host"`
	User                        string        `mapstructure:"user"`
	Password                    string        `mapstructure:"password"`
	ClientName                  string        `mapstructure:"client-name"`
	ExchangeName                string        `mapstructure:"exchange-name"`
	ExchangeType                string        `mapstructure:"exchange-type" validate:"omitempty,oneof=direct fanout topic headers"`
	DefaultRoutingKey           string        `mapstructure:"default-routing-key"`
	PublisherConfirmsEnabled    bool          `mapstructure:"publisher-confirms-enabled"`
	ConfirmTimeout              time.Duration `mapstructure:"confirm-timeout"`
	ConsumerEnabled             bool          `mapstructure:"consumer-enabled"`
	ConsumerQueueName           string        `mapstructure:"consumer-queue-name"`
	ConsumerRoutingKeys         []string      `mapstructure:"consumer-routing-keys"`
	ConsumerPrefetchCount       int           `mapstructure:"consumer-prefetch-count"`
	ConsumerIdempotencyTTLHours int           `mapstructure:"consumer-idempotency-ttl-hours"`
	DeadLetterExchangeName      string        `mapstructure:"dead-letter-exchange-name"`
	DeadLetterQueueName         string        `mapstructure:"dead-letter-queue-name"`
	DeadLetterRoutingKey        string        `mapstructure:"dead-letter-routing-key"`
}

type IdempotencyConfig struct {
	Provider  string      `mapstructure:"provider" validate:"oneof=none memory redis"`
	KeyPrefix string      `mapstructure:"key-prefix"`
	Redis     RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// CircuitBreakerConfig guards broker publishes. Zero tuning values keep the
// circuitbreaker.BrokerConfig profile.
type CircuitBreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive-failures"`
	FailureRatio        float64       `mapstructure:"failure-ratio" validate:"gte=0,lte=1"`
	OpenTimeout         time.Duration `mapstructure:"open-timeout" validate:"gte=0"`
}

// Load reads path (skipped when blank) over the defaults, then applies
// RELAY_* environment overrides such as RELAY_MESSAGING_PROVIDER.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	rmq := rabbitmq.DefaultConfig()
	breaker := circuitbreaker.BrokerConfig()

	defaults := map[string]any{
		"service.name":             "relay",
		"service.version":          "dev",
		"service.environment":      "production",
		"service.log-level":        "",
		"service.shutdown-timeout": 30 * time.Second,

		"telemetry.enabled":  false,
		"telemetry.endpoint": "",

		"persistence.provider":                      ProviderNone,
		"persistence.postgres.primary-dsn":          "",
		"persistence.postgres.replica-dsn":          "",
		"persistence.postgres.database-name":        "relay",
		"persistence.postgres.table":                "",
		"persistence.postgres.max-open-connections": 0,
		"persistence.postgres.max-idle-connections": 0,
		"persistence.postgres.conn-max-lifetime":    0,
		"persistence.mongo.uri":                     "",
		"persistence.mongo.scheme":                  "mongodb",
		"persistence.mongo.host":                    "",
		"persistence.mongo.port":                    0,
		"persistence.mongo.username":                "",
		"persistence.mongo.password":                "",
		"persistence.mongo.database":                "relay",
		"persistence.mongo.replica-set":             "",
		"persistence.mongo.collection":              "",
		"persistence.mongo.max-pool-size":           0,

		"messaging.provider":                ProviderNone,
		"messaging.outbox.enabled":          false,
		"messaging.outbox.batch-size":       constant.DefaultOutboxBatchSize,
		"messaging.outbox.poll-interval":    constant.DefaultOutboxPollInterval,
		"messaging.outbox.lock-timeout":     constant.DefaultOutboxLockTimeout,
		"messaging.outbox.max-retry-count":  constant.DefaultOutboxMaxRetryCount,
		"messaging.outbox.base-backoff":     constant.DefaultOutboxBaseBackoff,
		"messaging.outbox.max-error-length": constant.DefaultOutboxMaxErrorLength,

		"messaging.rabbitmq.url":                            "",
		"messaging.rabbitmq.host":                           rmq.Host,
		"messaging.rabbitmq.port":                           rmq.Port,
		"messaging.rabbitmq.virtual-host":                   rmq.VirtualHost,
		"messaging.rabbitmq.user":                           rmq.User,
		"messaging.rabbitmq.password":                       rmq.Password,
		"messaging.rabbitmq.client-name":                    rmq.ClientProvidedName,
		"messaging.rabbitmq.exchange-name":                  rmq.ExchangeName,
		"messaging.rabbitmq.exchange-type":                  rmq.ExchangeType,
		"messaging.rabbitmq.default-routing-key":            rmq.DefaultRoutingKey,
		"messaging.rabbitmq.publisher-confirms-enabled":     rmq.PublisherConfirmsEnabled,
		"messaging.rabbitmq.confirm-timeout":                rmq.ConfirmTimeout,
		"messaging.rabbitmq.consumer-enabled":               false,
		"messaging.rabbitmq.consumer-queue-name":            rmq.ConsumerQueueName,
		"messaging.rabbitmq.consumer-routing-keys":          rmq.ConsumerRoutingKeys,
		"messaging.rabbitmq.consumer-prefetch-count":        rmq.ConsumerPrefetchCount,
		"messaging.rabbitmq.consumer-idempotency-ttl-hours": rmq.ConsumerIdempotencyTTLHours,
		"messaging.rabbitmq.dead-letter-exchange-name":      rmq.DeadLetterExchangeName,
		"messaging.rabbitmq.dead-letter-queue-name":         rmq.DeadLetterQueueName,
		"messaging.rabbitmq.dead-letter-routing-key":        rmq.DeadLetterRoutingKey,

		"idempotency.provider":       ProviderMemory,
		"idempotency.key-prefix":     constant.DefaultIdempotencyKeyPrefix,
		"idempotency.redis.address":  "localhost:6379",
		"idempotency.redis.password": "",
		"idempotency.redis.db":       0,

		"circuit-breaker.enabled":              true,
		"circuit-breaker.consecutive-failures": breaker.ConsecutiveFailures,
		"circuit-breaker.failure-ratio":        breaker.FailureRatio,
		"circuit-breaker.open-timeout":         breaker.Timeout,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func (cfg *Config) normalize() {
	cfg.Service.Environment = strings.ToLower(strings.TrimSpace(cfg.Service.Environment))
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Persistence.Provider = strings.ToLower(strings.TrimSpace(cfg.Persistence.Provider))
	cfg.Messaging.Provider = strings.ToLower(strings.TrimSpace(cfg.Messaging.Provider))
	cfg.Idempotency.Provider = strings.ToLower(strings.TrimSpace(cfg.Idempotency.Provider))

	// env vars arrive as one comma separated string
	var keys []string
	for _, entry := range cfg.Messaging.RabbitMQ.ConsumerRoutingKeys {
		keys = append(keys, splitList(entry)...)
	}

	cfg.Messaging.RabbitMQ.ConsumerRoutingKeys = keys
}

// Validate runs the struct rules, then the cross-section rules, and joins
// every failure.
func (cfg *Config) Validate() error {
	var errs []error

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		for _, fieldErr := range fieldErrs {
			errs = append(errs, invalid("%s fails %q (value %v)", fieldErr.Namespace(), fieldErr.Tag(), fieldErr.Value()))
		}
	}

	errs = append(errs, cfg.crossChecks()...)

	return errors.Join(errs...)
}

func (cfg *Config) crossChecks() []error {
	var errs []error

	rmq := cfg.Messaging.RabbitMQ
	usesRabbit := cfg.Messaging.Provider == ProviderRabbitMQ

	if rmq.ConsumerEnabled && !usesRabbit {
		errs = append(errs, invalid("messaging.rabbitmq.consumer-enabled requires messaging.provider=rabbitmq"))
	}

	if usesRabbit {
		if !cfg.Messaging.Outbox.Enabled {
			errs = append(errs, invalid("messaging.provider=rabbitmq requires messaging.outbox.enabled=true"))
		}

		if cfg.Persistence.Provider == ProviderNone {
			errs = append(errs, invalid("messaging.provider=rabbitmq requires a durable outbox: set persistence.provider to postgres or mongo"))
		}

		if rmq.URL == "" && strings.TrimSpace(rmq.Host) == "" {
			errs = append(errs, invalid("messaging.rabbitmq.host is required"))
		}

		if rmq.URL == "" && rmq.Port <= 0 {
			errs = append(errs, invalid("messaging.rabbitmq.port must be greater than zero"))
		}

		if strings.TrimSpace(rmq.ExchangeName) == "" {
			errs = append(errs, invalid("messaging.rabbitmq.exchange-name is required"))
		}

		if rmq.PublisherConfirmsEnabled && rmq.ConfirmTimeout <= 0 {
			errs = append(errs, invalid("messaging.rabbitmq.confirm-timeout must be greater than zero when confirms are enabled"))
		}
	}

	if usesRabbit && rmq.ConsumerEnabled {
		if rmq.ConsumerPrefetchCount != 1 {
			errs = append(errs, invalid("messaging.rabbitmq.consumer-prefetch-count must be 1, got %d", rmq.ConsumerPrefetchCount))
		}

		if rmq.ConsumerIdempotencyTTLHours <= 0 {
			errs = append(errs, invalid("messaging.rabbitmq.consumer-idempotency-ttl-hours must be greater than zero"))
		}

		for key, value := range map[string]string{
			"consumer-queue-name":       rmq.ConsumerQueueName,
			"dead-letter-exchange-name": rmq.DeadLetterExchangeName,
			"dead-letter-queue-name":    rmq.DeadLetterQueueName,
			"dead-letter-routing-key":   rmq.DeadLetterRoutingKey,
		} {
			if strings.TrimSpace(value) == "" {
				errs = append(errs, invalid("messaging.rabbitmq.%s is required when the consumer is enabled", key))
			}
		}

		if cfg.Idempotency.Provider == ProviderRedis && strings.TrimSpace(cfg.Idempotency.Redis.Address) == "" {
			errs = append(errs, invalid("idempotency.redis.address is required"))
		}
	}

	switch cfg.Persistence.Provider {
	case ProviderPostgres:
		if strings.TrimSpace(cfg.Persistence.Postgres.PrimaryDSN) == "" {
			errs = append(errs, invalid("persistence.postgres.primary-dsn is required"))
		}
	case ProviderMongo:
		mongoCfg := cfg.Persistence.Mongo
		if strings.TrimSpace(mongoCfg.URI) == "" && strings.TrimSpace(mongoCfg.Host) == "" {
			errs = append(errs, invalid("persistence.mongo.uri or persistence.mongo.host is required"))
		}

		if strings.TrimSpace(mongoCfg.Database) == "" {
			errs = append(errs, invalid("persistence.mongo.database is required"))
		}
	}

	return errs
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func splitList(raw string) []string {
	var out []string

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// RabbitMQ maps the messaging section onto the broker client config.
func (cfg *Config) RabbitMQ() rabbitmq.Config {
	rmq := cfg.Messaging.RabbitMQ

	return rabbitmq.Config{
		URL:                         rmq.URL,
		Host:                        rmq.Host,
		Port:                        rmq.Port,
		VirtualHost:                 rmq.VirtualHost,
		User:                        rmq.User,
		Password:                    rmq.Password,
		ClientProvidedName:          rmq.ClientName,
		ExchangeName:                rmq.ExchangeName,
		ExchangeType:                rmq.ExchangeType,
		DefaultRoutingKey:           rmq.DefaultRoutingKey,
		PublisherConfirmsEnabled:    rmq.PublisherConfirmsEnabled,
		ConfirmTimeout:              rmq.ConfirmTimeout,
		ConsumerQueueName:           rmq.ConsumerQueueName,
		ConsumerRoutingKeys:         rmq.ConsumerRoutingKeys,
		ConsumerPrefetchCount:       rmq.ConsumerPrefetchCount,
		ConsumerIdempotencyTTLHours: rmq.ConsumerIdempotencyTTLHours,
		DeadLetterExchangeName:      rmq.DeadLetterExchangeName,
		DeadLetterQueueName:         rmq.DeadLetterQueueName,
		DeadLetterRoutingKey:        rmq.DeadLetterRoutingKey,
	}
}

func (cfg *Config) Breaker() circuitbreaker.Config {
	cb := cfg.CircuitBreaker
	breaker := circuitbreaker.BrokerConfig()

	if cb.ConsecutiveFailures > 0 {
		breaker.ConsecutiveFailures = cb.ConsecutiveFailures
	}

	if cb.FailureRatio > 0 {
		breaker.FailureRatio = cb.FailureRatio
	}

	if cb.OpenTimeout > 0 {
		breaker.Timeout = cb.OpenTimeout
	}

	return breaker
}

func (cfg *Config) Dispatcher() outbox.DispatcherConfig {
	o := cfg.Messaging.Outbox

	return outbox.DispatcherConfig{
		PollInterval:   o.PollInterval,
		BatchSize:      o.BatchSize,
		LockTimeout:    o.LockTimeout,
		MaxRetryCount:  o.MaxRetryCount,
		BaseBackoff:    o.BaseBackoff,
		MaxErrorLength: o.MaxErrorLength,
	}
}

func (cfg *Config) Postgres() libPostgres.Config {
	pg := cfg.Persistence.Postgres

	return libPostgres.Config{
		PrimaryDSN:         pg.PrimaryDSN,
		ReplicaDSN:         pg.ReplicaDSN,
		MaxOpenConnections: pg.MaxOpenConnections,
		MaxIdleConnections: pg.MaxIdleConnections,
		ConnMaxLifetime:    pg.ConnMaxLifetime,
	}
}

// Mongo builds the client config, assembling the URI from its parts when no
// uri is set.
func (cfg *Config) Mongo() (libMongo.Config, error) {
	m := cfg.Persistence.Mongo

	uri := strings.TrimSpace(m.URI)
	if uri == "" {
		query := url.Values{}
		if m.ReplicaSet != "" {
			query.Set("replicaSet", m.ReplicaSet)
		}

		port := ""
		if m.Port > 0 {
			port = strconv.Itoa(m.Port)
		}

		built, err := libMongo.BuildURI(libMongo.URIConfig{
			Scheme:   m.Scheme,
			Username: m.Username,
			Password: m.Password,
			Host:     m.Host,
			Port:     port,
			Query:    query,
		})
		if err != nil {
			return libMongo.Config{}, fmt.Errorf("%w: persistence.mongo: %w", ErrInvalidConfig, err)
		}

		uri = built
	}

	return libMongo.Config{URI: uri, Database: m.Database, MaxPoolSize: m.MaxPool}, nil
}

func (cfg *Config) Redis() libRedis.Config {
	r := cfg.Idempotency.Redis

	redisCfg := libRedis.Config{
		Topology: libRedis.Topology{Standalone: &libRedis.StandaloneTopology{Address: r.Address}},
		Options:  libRedis.ConnectionOptions{DB: r.DB},
	}

	if r.Password != "" {
		redisCfg.Auth.StaticPassword = &libRedis.StaticPasswordAuth{Password: r.Password}
	}

	return redisCfg
}
