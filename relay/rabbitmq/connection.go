package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/assert"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrConnectionClosed is returned by Channel after Close.
	ErrConnectionClosed = errors.New("rabbitmq connection is closed")
	ErrChannelRequired  = errors.New("rabbitmq channel is required")
)

// TopologyChannel declares exchanges, queues and bindings.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Channel is the subset of *amqp.Channel used by Bus, Consumer and
// HealthCheck.
type Channel interface {
	TopologyChannel
	ConfirmableChannel
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
}

// ChannelSource hands out dedicated channels. *Connection implements it.
type ChannelSource interface {
	Channel(ctx context.Context) (Channel, error)
}

type brokerConnection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(ctx context.Context, connectionString string, config amqp.Config) (brokerConnection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func (c amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c amqpConnection) Close() error { return c.conn.Close() }

func dialAMQP(ctx context.Context, connectionString string, config amqp.Config) (brokerConnection, error) {
	if deadline, ok := ctx.Deadline(); ok {
		config.Dial = amqp.DefaultDial(time.Until(deadline))
	}

	conn, err := amqp.DialConfig(connectionString, config)
	if err != nil {
		return nil, err
	}

	return amqpConnection{conn: conn}, nil
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(c *Connection) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithConnectionMeterProvider enables the rabbitmq.connection.failures counter.
func WithConnectionMeterProvider(provider metric.MeterProvider) ConnectionOption {
	return func(c *Connection) {
		c.meterProvider = provider
	}
}

// Connection owns one AMQP connection and opens dedicated channels on it,
// redialing with rate-limited backoff after the broker drops it.
type Connection struct {
	mu            sync.Mutex
	url           string
	clientName    string
	logger        log.Logger
	meterProvider metric.MeterProvider
	conn          brokerConnection
	dial          dialFunc
	closed        bool

	connectionFailures metric.Int64Counter

	backoffInitial       time.Duration
	backoffMax           time.Duration
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// NewConnection prepares a connection for cfg. Nothing is dialed until the
// first Channel call.
func NewConnection(cfg Config, opts ...ConnectionOption) (*Connection, error) {
	cfg.normalize()

	connectionString := cfg.ConnectionString()
	if _, err := url.Parse(connectionString); err != nil {
		return nil, configError("malformed connection string")
	}

	c := &Connection{
		url:            connectionString,
		clientName:     cfg.ClientProvidedName,
		logger:         log.NewNop(),
		dial:           dialAMQP,
		backoffInitial: cfg.ReconnectBackoffInitial,
		backoffMax:     cfg.ReconnectBackoffMax,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if !nilcheck.Interface(c.meterProvider) {
		counter, err := c.meterProvider.Meter("github.com/LerianStudio/lib-relay/relay/rabbitmq").
			Int64Counter("rabbitmq.connection.failures",
				metric.WithDescription("Total number of rabbitmq connection failures"),
				metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("create rabbitmq.connection.failures counter: %w", err)
		}

		c.connectionFailures = counter
	}

	return c, nil
}

// Name is the client-provided connection name shown in the broker UI.
func (c *Connection) Name() string {
	if c == nil {
		return ""
	}

	return c.clientName
}

func nilConnectionAssert(ctx context.Context, operation string) error {
	asserter := assert.New(ctx, nil, "rabbitmq", operation)
	_ = asserter.Never(ctx, "rabbitmq connection receiver is nil")

	return ErrNilConnection
}

// Channel opens a new channel, dialing first when there is no live
// connection. Redials are rate limited after consecutive failures.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	if c == nil {
		return nil, nilConnectionAssert(ctx, "channel")
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.open_channel")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	if c.conn == nil || c.conn.IsClosed() {
		if err := c.redialLocked(ctx); err != nil {
			libOpentelemetry.HandleSpanError(&span, "Failed to connect to rabbitmq", err)

			return nil, err
		}
	}

	ch, err := c.conn.Channel()
	if err == nil && nilcheck.Interface(ch) {
		err = errors.New("connection returned nil channel")
	}

	if err != nil {
		c.recordConnectionFailure(ctx, "channel")
		c.dropConnectionLocked()

		libOpentelemetry.HandleSpanError(&span, "Failed to open channel on rabbitmq", err)

		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

func (c *Connection) redialLocked(ctx context.Context) error {
	if c.reconnectAttempts > 0 {
		delay := min(backoff.ExponentialWithJitter(c.backoffInitial, c.reconnectAttempts), c.backoffMax)

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return fmt.Errorf("rabbitmq connect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.dropConnectionLocked()
	c.lastReconnectAttempt = time.Now()

	c.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := c.dial(ctx, c.url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": c.clientName},
	})
	if err == nil && nilcheck.Interface(conn) {
		err = errors.New("dialer returned nil connection")
	}

	if err != nil {
		c.reconnectAttempts++
		c.recordConnectionFailure(ctx, "connect")

		c.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, c.url)),
			log.Int("attempt", c.reconnectAttempts))

		return newSanitizedError(err, c.url, "failed to connect to rabbitmq")
	}

	c.conn = conn
	c.reconnectAttempts = 0

	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

func (c *Connection) dropConnectionLocked() {
	if c.conn == nil {
		return
	}

	if !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	c.conn = nil
}

// IsConnected reports whether a live connection is held.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection and every channel opened on it. Later Channel
// calls fail with ErrConnectionClosed.
func (c *Connection) Close() error {
	if c == nil {
		return nilConnectionAssert(context.Background(), "close")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil

	if conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

func (c *Connection) recordConnectionFailure(ctx context.Context, operation string) {
	if c.connectionFailures == nil {
		return
	}

	c.connectionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", constant.SanitizeMetricLabel(operation))))
}

// sanitizedError carries a redacted message while keeping the original
// error reachable through errors.Is and errors.As.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := strings.ReplaceAll(err.Error(), connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}
