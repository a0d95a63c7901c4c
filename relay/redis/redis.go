package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/assert"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPoolSize    = 10
	maxPoolSize        = 1000
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 3 * time.Second
	defaultMaxRetries  = 3
	redialBackoffBase  = 500 * time.Millisecond
	redialBackoffCap   = 30 * time.Second
)

var (
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient     = errors.New("redis client is nil")
	ErrInvalidConfig = errors.New("invalid redis config")
	ErrConnect       = errors.New("redis connect failed")
	// ErrRateLimited is returned by GetClient while a redial is backing off.
	ErrRateLimited = errors.New("redis reconnect rate-limited")
)

func nilClientAssert(ctx context.Context, operation string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_ = assert.New(ctx, nil, "redis.Client", operation).Never(ctx, "nil receiver on *redis.Client")

	return ErrNilClient
}

// Config selects the deployment, credentials and pool of the Redis backing
// the idempotency store.
type Config struct {
	Topology Topology
	TLS      *TLSConfig
	Auth     Auth
	Options  ConnectionOptions
	Logger   log.Logger
	// MeterProvider enables the redis.connection.failures counter. Nil disables it.
	MeterProvider metric.MeterProvider
}

// Topology selects exactly one deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

type StandaloneTopology struct {
	Address string
}

type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

type ClusterTopology struct {
	Addresses []string
}

// TLSConfig pins the CA used to verify the server.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

type Auth struct {
	StaticPassword *StaticPasswordAuth
}

type StaticPasswordAuth struct {
	Password string
}

func (StaticPasswordAuth) String() string { return "StaticPasswordAuth{Password:REDACTED}" }

func (a StaticPasswordAuth) GoString() string { return a.String() }

// ConnectionOptions tunes the pool. Zero values take the defaults.
type ConnectionOptions struct {
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxRetries of -1 disables command retries.
	MaxRetries int
}

// addresses returns the seed addresses and, for sentinel, the master name.
func (t Topology) addresses() ([]string, string, error) {
	var (
		addrs  []string
		master string
		modes  int
	)

	if t.Standalone != nil {
		modes++
		addrs = []string{t.Standalone.Address}
	}

	if t.Sentinel != nil {
		modes++
		addrs, master = t.Sentinel.Addresses, t.Sentinel.MasterName

		if strings.TrimSpace(master) == "" {
			return nil, "", configError("sentinel master name is required")
		}
	}

	if t.Cluster != nil {
		modes++
		addrs = t.Cluster.Addresses
	}

	if modes != 1 {
		return nil, "", configError("exactly one topology must be configured")
	}

	if len(addrs) == 0 {
		return nil, "", configError("at least one address is required")
	}

	for _, addr := range addrs {
		if strings.TrimSpace(addr) == "" {
			return nil, "", configError("addresses cannot be blank")
		}
	}

	return addrs, master, nil
}

func (cfg Config) validate() error {
	var errs []error

	if _, _, err := cfg.Topology.addresses(); err != nil {
		errs = append(errs, err)
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		errs = append(errs, configError("tls ca cert is required when tls is configured"))
	}

	if cfg.Options.DB < 0 {
		errs = append(errs, configError("db cannot be negative"))
	}

	return errors.Join(errs...)
}

func (cfg Config) normalize() Config {
	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	o := &cfg.Options

	switch {
	case o.PoolSize <= 0:
		o.PoolSize = defaultPoolSize
	case o.PoolSize > maxPoolSize:
		o.PoolSize = maxPoolSize
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}

	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultIOTimeout
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultIOTimeout
	}

	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}

	if cfg.TLS != nil {
		tlsCfg := *cfg.TLS
		tlsCfg.MinVersion = max(tlsCfg.MinVersion, tls.VersionTLS12)
		cfg.TLS = &tlsCfg
	}

	return cfg
}

func (cfg Config) universalOptions() (*redis.UniversalOptions, error) {
	addrs, master, err := cfg.Topology.addresses()
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   master,
		DB:           cfg.Options.DB,
		PoolSize:     cfg.Options.PoolSize,
		DialTimeout:  cfg.Options.DialTimeout,
		ReadTimeout:  cfg.Options.ReadTimeout,
		WriteTimeout: cfg.Options.WriteTimeout,
		MaxRetries:   cfg.Options.MaxRetries,
	}

	if cfg.Auth.StaticPassword != nil {
		opts.Password = cfg.Auth.StaticPassword.Password
	}

	if cfg.TLS != nil {
		if opts.TLSConfig, err = buildTLSConfig(*cfg.TLS); err != nil {
			return nil, configError("tls: " + err.Error())
		}
	}

	return opts, nil
}

// Client holds one go-redis universal client. A dropped client is redialled
// on demand by GetClient, with exponential backoff between failed attempts.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	client redis.UniversalClient
	tracer trace.Tracer

	connectionFailures metric.Int64Counter

	lastRedial     time.Time
	redialAttempts int
}

// New validates cfg, dials and pings Redis.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg.normalize(), tracer: otel.Tracer("redis")}

	if !nilcheck.Interface(c.cfg.MeterProvider) {
		counter, err := c.cfg.MeterProvider.Meter("relay.redis").Int64Counter("redis.connection.failures",
			metric.WithDescription("Redis dial or ping failures"),
			metric.WithUnit("{failure}"))
		if err != nil {
			return nil, fmt.Errorf("create redis.connection.failures counter: %w", err)
		}

		c.connectionFailures = counter
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect dials a fresh client and swaps it in once it answers a ping. A
// failed attempt keeps the current client.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Connect")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dialLocked(ctx, "connect")
}

func (c *Client) dialLocked(ctx context.Context, operation string) error {
	ctx, span := c.startSpan(ctx, "redis."+operation)
	defer span.End()

	opts, err := c.cfg.universalOptions()
	if err != nil {
		return err
	}

	candidate := redis.NewUniversalClient(opts)

	if err := candidate.Ping(ctx).Err(); err != nil {
		_ = candidate.Close()

		err = fmt.Errorf("%w: ping: %w", ErrConnect, err)
		c.recordConnectionFailure(ctx, operation)
		libOpentelemetry.HandleSpanError(&span, "Failed to connect to redis", err)
		c.cfg.Logger.Log(ctx, log.LevelError, "redis connect failed", log.String("operation", operation), log.Err(err))

		return err
	}

	if previous := c.client; previous != nil {
		if err := previous.Close(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous redis client", log.Err(err))
		}
	}

	c.client = candidate

	if c.cfg.TLS == nil {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "redis connection established without TLS")
	}

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(opts.Addrs)), log.Int("db", opts.DB))

	return nil
}

// GetClient returns the live client, redialling when it was dropped.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, nilClientAssert(ctx, "GetClient")
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.redialAttempts > 0 {
		delay := min(backoff.ExponentialWithJitter(redialBackoffBase, c.redialAttempts), redialBackoffCap)

		if wait := delay - time.Since(c.lastRedial); wait > 0 {
			return nil, fmt.Errorf("%w: next attempt in %s", ErrRateLimited, wait.Round(time.Millisecond))
		}
	}

	c.lastRedial = time.Now()

	if err := c.dialLocked(ctx, "reconnect"); err != nil {
		c.redialAttempts++

		return nil, err
	}

	c.redialAttempts = 0

	return c.client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Close drops the client. Calling it again is a no-op.
func (c *Client) Close() error {
	if c == nil {
		return nilClientAssert(context.Background(), "Close")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	_, span := c.startSpan(context.Background(), "redis.close")
	defer span.End()

	err := c.client.Close()
	c.client = nil

	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to close redis client", err)

		return fmt.Errorf("redis close: %w", err)
	}

	return nil
}

func (c *Client) IsConnected() (bool, error) {
	if c == nil {
		return false, nilClientAssert(context.Background(), "IsConnected")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil, nil
}

func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	return ctx, span
}

func (c *Client) recordConnectionFailure(ctx context.Context, operation string) {
	if c.connectionFailures == nil {
		return
	}

	c.connectionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", constant.SanitizeMetricLabel(operation)),
	))
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decode ca cert: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("ca cert is not valid PEM")
	}

	return &tls.Config{RootCAs: pool, MinVersion: max(cfg.MinVersion, tls.VersionTLS12)}, nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
