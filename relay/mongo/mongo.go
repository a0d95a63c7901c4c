package mongo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/assert"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxPoolSizeLimit              = 1000
	resolveBackoffBase            = time.Second
	resolveBackoffCap             = 30 * time.Second
)

var (
	ErrNilContext = errors.New("context cannot be nil")
	// ErrNilClient is returned when a *Client receiver is nil.
	ErrNilClient = errors.New("mongo client is nil")
	// ErrClientClosed is returned while no connection is open.
	ErrClientClosed  = errors.New("mongo client is closed")
	ErrInvalidConfig = errors.New("invalid mongo config")
	ErrConnect       = errors.New("mongo connect failed")
	ErrPing          = errors.New("mongo ping failed")
	ErrDisconnect    = errors.New("mongo disconnect failed")
	ErrCreateIndex   = errors.New("mongo create index failed")
	ErrTransaction   = errors.New("mongo transaction failed")
	// ErrRateLimited is returned by ResolveClient while a redial is backing off.
	ErrRateLimited = errors.New("mongo reconnect rate-limited")
)

func nilClientAssert(ctx context.Context, operation string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a := assert.New(ctx, nil, "mongo.Client", operation)
	_ = a.Never(ctx, "nil receiver on *mongo.Client")

	return ErrNilClient
}

// TLSConfig configures TLS validation for MongoDB connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// Config defines MongoDB connection and pool behavior.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration
	HeartbeatInterval      time.Duration
	TLS                    *TLSConfig
	Logger                 log.Logger
	// MeterProvider enables the mongo.connection.failures counter. Nil disables it.
	MeterProvider metric.MeterProvider
}

func (cfg Config) validate() error {
	var errs []error

	if strings.TrimSpace(cfg.URI) == "" {
		errs = append(errs, configError("uri is required"))
	}

	if strings.TrimSpace(cfg.Database) == "" {
		errs = append(errs, configError("database is required"))
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		errs = append(errs, configError("tls ca cert is required when tls is configured"))
	}

	return errors.Join(errs...)
}

func (cfg Config) normalize() Config {
	cfg.MaxPoolSize = min(cfg.MaxPoolSize, maxPoolSizeLimit)

	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.TLS != nil {
		tlsCopy := *cfg.TLS
		tlsCopy.MinVersion = max(tlsCopy.MinVersion, tls.VersionTLS12)
		cfg.TLS = &tlsCopy
	}

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = &log.NopLogger{}
	}

	return cfg
}

// driver is the slice of the mongo driver the Client touches; tests replace it.
type driver struct {
	connect     func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping        func(context.Context, *mongo.Client) error
	disconnect  func(context.Context, *mongo.Client) error
	createIndex func(context.Context, *mongo.Client, string, string, mongo.IndexModel) error
	transact    func(context.Context, *mongo.Client, func(context.Context) error) error
}

func defaultDriver() driver {
	return driver{
		connect: func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		createIndex: func(ctx context.Context, client *mongo.Client, database, collection string, index mongo.IndexModel) error {
			_, err := client.Database(database).Collection(collection).Indexes().CreateOne(ctx, index)

			return err
		},
		transact: runTransaction,
	}
}

func runTransaction(ctx context.Context, client *mongo.Client, fn func(context.Context) error) error {
	session, err := client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return nil, fn(sessCtx)
	})

	return err
}

// Option customizes a Client.
type Option func(*Client)

// Client wraps a MongoDB client with lifecycle, index and transaction helpers.
type Client struct {
	mu     sync.RWMutex
	client *mongo.Client
	cfg    Config
	uri    string
	driver driver
	tracer trace.Tracer

	connectionFailures metric.Int64Counter

	lastConnectAttempt time.Time
	connectAttempts    int
}

// NewClient validates cfg, connects, and returns a ready client.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.normalize()

	c := &Client{
		cfg:    cfg,
		uri:    cfg.URI,
		driver: defaultDriver(),
		tracer: otel.Tracer("mongo"),
	}
	c.cfg.URI = ""

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if !nilcheck.Interface(cfg.MeterProvider) {
		counter, err := cfg.MeterProvider.Meter("relay.mongo").Int64Counter("mongo.connection.failures",
			metric.WithDescription("Total number of mongo connection failures"),
			metric.WithUnit("{failure}"))
		if err != nil {
			return nil, fmt.Errorf("create mongo.connection.failures counter: %w", err)
		}

		c.connectionFailures = counter
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect opens the connection unless one is already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Connect")
	}

	if ctx == nil {
		return ErrNilContext
	}

	ctx, span := c.startSpan(ctx, "mongo.connect")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure(ctx, "connect")
		libOpentelemetry.HandleSpanError(&span, "Failed to connect to mongo", err)

		return err
	}

	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	clientOptions := options.Client().
		ApplyURI(c.uri).
		SetServerSelectionTimeout(c.cfg.ServerSelectionTimeout).
		SetHeartbeatInterval(c.cfg.HeartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return fmt.Errorf("%w: tls: %w", ErrConnect, err)
		}

		clientOptions.SetTLSConfig(tlsCfg)
	}

	client, err := c.driver.connect(ctx, clientOptions)
	if err != nil {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo connect failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if client == nil {
		return fmt.Errorf("%w: driver returned a nil client", ErrConnect)
	}

	if err := c.driver.ping(ctx, client); err != nil {
		if disconnectErr := c.driver.disconnect(ctx, client); disconnectErr != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo disconnect after failed ping failed", log.Err(disconnectErr))
		}

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = client

	if c.cfg.TLS == nil && !tlsImplied(c.uri) {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo connection established without tls")
	}

	return nil
}

// Client returns the open driver client without reconnecting.
func (c *Client) Client(ctx context.Context) (*mongo.Client, error) {
	if c == nil {
		return nil, nilClientAssert(ctx, "Client")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

// ResolveClient returns the driver client, redialing a dropped connection
// no more often than the jittered backoff allows.
func (c *Client) ResolveClient(ctx context.Context) (*mongo.Client, error) {
	if c == nil {
		return nil, nilClientAssert(ctx, "ResolveClient")
	}

	if ctx == nil {
		return nil, ErrNilContext
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

	if c.connectAttempts > 0 {
		delay := min(backoff.ExponentialWithJitter(resolveBackoffBase, c.connectAttempts), resolveBackoffCap)
		if wait := delay - time.Since(c.lastConnectAttempt); wait > 0 {
			return nil, fmt.Errorf("%w: next attempt in %s", ErrRateLimited, wait)
		}
	}

	c.lastConnectAttempt = time.Now()

	ctx, span := c.startSpan(ctx, "mongo.resolve")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		c.connectAttempts++
		c.recordConnectionFailure(ctx, "resolve")
		libOpentelemetry.HandleSpanError(&span, "Failed to resolve mongo connection", err)

		return nil, err
	}

	c.connectAttempts = 0

	return c.client, nil
}

// DatabaseName returns the configured database name.
func (c *Client) DatabaseName() string {
	if c == nil {
		return ""
	}

	return c.cfg.Database
}

// Database resolves the configured database handle.
func (c *Client) Database(ctx context.Context) (*mongo.Database, error) {
	client, err := c.ResolveClient(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.cfg.Database), nil
}

// Ping checks MongoDB availability on the open connection.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Ping")
	}

	if ctx == nil {
		return ErrNilContext
	}

	ctx, span := c.startSpan(ctx, "mongo.ping")
	defer span.End()

	client, err := c.Client(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Mongo client unavailable for ping", err)

		return err
	}

	if err := c.driver.ping(ctx, client); err != nil {
		pingErr := fmt.Errorf("%w: %w", ErrPing, err)
		libOpentelemetry.HandleSpanError(&span, "Mongo ping failed", pingErr)

		return pingErr
	}

	return nil
}

// WithTransaction runs fn inside a multi-document transaction. fn receives a
// session context; every operation issued with it joins the transaction.
// The deployment must be a replica set or sharded cluster.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if c == nil {
		return nilClientAssert(ctx, "WithTransaction")
	}

	if ctx == nil {
		return ErrNilContext
	}

	if fn == nil {
		return fmt.Errorf("%w: transaction callback is nil", ErrTransaction)
	}

	client, err := c.ResolveClient(ctx)
	if err != nil {
		return err
	}

	ctx, span := c.startSpan(ctx, "mongo.transaction")
	defer span.End()

	if err := c.driver.transact(ctx, client, fn); err != nil {
		txErr := fmt.Errorf("%w: %w", ErrTransaction, err)
		libOpentelemetry.HandleSpanError(&span, "Mongo transaction failed", txErr)

		return txErr
	}

	return nil
}

// EnsureIndexes creates each index on collection, continuing past failures
// and returning them joined.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	if c == nil {
		return nilClientAssert(ctx, "EnsureIndexes")
	}

	if ctx == nil {
		return ErrNilContext
	}

	if strings.TrimSpace(collection) == "" {
		return configError("collection is required")
	}

	if len(indexes) == 0 {
		return configError("at least one index is required")
	}

	ctx, span := c.startSpan(ctx, "mongo.ensure_indexes")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBMongoDBCollection, collection))

	client, err := c.ResolveClient(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Mongo client unavailable for ensure indexes", err)

		return err
	}

	var errs []error

	for _, index := range indexes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrCreateIndex, err))

			break
		}

		fields := indexKeys(index.Keys)

		if err := c.driver.createIndex(ctx, client, c.cfg.Database, collection, index); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to create mongo index",
				log.String("collection", collection), log.String("fields", fields), log.Err(err))

			errs = append(errs, fmt.Errorf("%w: %s(%s): %w", ErrCreateIndex, collection, fields, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to ensure mongo indexes", err)

		return err
	}

	return nil
}

// Close disconnects. The client counts as closed even when the disconnect
// itself fails.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return nilClientAssert(ctx, "Close")
	}

	if ctx == nil {
		return ErrNilContext
	}

	ctx, span := c.startSpan(ctx, "mongo.close")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.driver.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		disconnectErr := fmt.Errorf("%w: %w", ErrDisconnect, err)
		libOpentelemetry.HandleSpanError(&span, "Failed to disconnect from mongo", disconnectErr)

		return disconnectErr
	}

	return nil
}

func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBName, c.cfg.Database),
	)

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
		return nil, configError("ca cert contains no pem certificates")
	}

	switch cfg.MinVersion {
	case 0, tls.VersionTLS12, tls.VersionTLS13:
	default:
		return nil, configError(fmt.Sprintf("unsupported tls min version %#x", cfg.MinVersion))
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: max(cfg.MinVersion, tls.VersionTLS12),
	}, nil
}

func tlsImplied(uri string) bool {
	return strings.HasPrefix(uri, "mongodb+srv://") ||
		strings.Contains(uri, "tls=true") ||
		strings.Contains(uri, "ssl=true")
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

// indexKeys renders index keys for logs; bson.D keeps declaration order.
func indexKeys(keys any) string {
	switch k := keys.(type) {
	case bson.D:
		parts := make([]string, 0, len(k))
		for _, e := range k {
			parts = append(parts, e.Key)
		}

		return strings.Join(parts, ",")
	case bson.M:
		parts := make([]string, 0, len(k))
		for key := range k {
			parts = append(parts, key)
		}

		sort.Strings(parts)

		return strings.Join(parts, ",")
	default:
		return "<unknown>"
	}
}
