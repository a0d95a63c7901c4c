package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("confirm channel is closed")
)

// DefaultConfirmTimeout bounds the wait for a broker confirmation.
const DefaultConfirmTimeout = 10 * time.Second

// ConfirmableChannel is the channel surface needed for confirmed publishing.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// confirmer publishes to one exchange on a channel in confirm mode, one
// message at a time. Once broken it stays broken: the bus drops it and opens
// a fresh channel.
type confirmer struct {
	ch       ConfirmableChannel
	exchange string
	timeout  time.Duration
	logger   log.Logger

	acks chan amqp.Confirmation
	stop chan struct{}

	mu sync.Mutex // serializes publish so each ack matches its message

	broken    chan struct{}
	breakOnce sync.Once
	reason    error

	closeOnce sync.Once
}

func newConfirmer(ch ConfirmableChannel, exchange string, timeout time.Duration, logger log.Logger) (*confirmer, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	c := &confirmer{
		ch:       ch,
		exchange: exchange,
		timeout:  timeout,
		logger:   logger,
		// Unread acks must never block the library's delivery loop.
		acks:   ch.NotifyPublish(make(chan amqp.Confirmation, 256)),
		stop:   make(chan struct{}),
		broken: make(chan struct{}),
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	runtime.SafeGo(logger, "rabbitmq-confirm-watch", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closed:
			if amqpErr != nil {
				logger.Log(context.Background(), log.LevelWarn, "rabbitmq confirm channel closed by broker",
					log.Int("code", amqpErr.Code),
					log.String("reason", sanitizeAMQPErr(amqpErr, "")),
				)

				c.fail(fmt.Errorf("%w: %s", ErrPublisherClosed, amqpErr.Reason))

				return
			}

			c.fail(ErrPublisherClosed)
		case <-c.stop:
		}
	})

	return c, nil
}

// fail marks the confirmer unusable. The first reason wins.
func (c *confirmer) fail(reason error) {
	c.breakOnce.Do(func() {
		c.reason = reason
		close(c.broken)
	})
}

func (c *confirmer) usable() bool {
	select {
	case <-c.broken:
		return false
	default:
		return true
	}
}

// publish sends msg and blocks until the broker acks or nacks it. A nack is
// returned as ErrPublishNacked and leaves the channel usable. Any other
// failure while waiting leaves a confirmation in flight, so the confirmer
// breaks itself.
func (c *confirmer) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.usable() {
		return c.reason
	}

	if err := c.ch.PublishWithContext(ctx, c.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ack, ok := <-c.acks:
		if !ok {
			c.fail(ErrPublisherClosed)

			return ErrPublisherClosed
		}

		if !ack.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, ack.DeliveryTag)
		}

		return nil
	case <-c.broken:
		return c.reason
	case <-timer.C:
		c.fail(fmt.Errorf("%w: gave up after %s", ErrPublisherClosed, c.timeout))

		return fmt.Errorf("%w after %s", ErrConfirmTimeout, c.timeout)
	case <-ctx.Done():
		c.fail(fmt.Errorf("%w: confirmation abandoned", ErrPublisherClosed))

		return fmt.Errorf("wait for confirmation: %w", ctx.Err())
	}
}

// close stops the watcher and closes the channel once.
func (c *confirmer) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fail(ErrPublisherClosed)

	var err error

	c.closeOnce.Do(func() {
		close(c.stop)

		if closeErr := c.ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			err = fmt.Errorf("close confirm channel: %w", closeErr)
		}
	})

	return err
}
