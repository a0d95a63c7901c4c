package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"
)

const deadLetterExchangeType = "topic"

// DLQTopologyConfig names the dead-letter exchange and queue.
type DLQTopologyConfig struct {
	ExchangeName    string
	QueueName       string
	RoutingKey      string
	QueueMessageTTL time.Duration
	QueueMaxLength  int64
}

// DLQOption configures DLQ topology declaration.
type DLQOption func(*DLQTopologyConfig)

// WithDLQMessageTTL sets x-message-ttl on the DLQ.
func WithDLQMessageTTL(ttl time.Duration) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if ttl > 0 {
			cfg.QueueMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length on the DLQ.
func WithDLQMaxLength(maxLength int64) DLQOption {
	return func(cfg *DLQTopologyConfig) {
		if maxLength > 0 {
			cfg.QueueMaxLength = maxLength
		}
	}
}

func (cfg DLQTopologyConfig) queueDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.QueueMessageTTL > 0 {
		args["x-message-ttl"] = max(cfg.QueueMessageTTL.Milliseconds(), 1)
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareExchange declares a durable, non-auto-delete exchange.
func DeclareExchange(ch TopologyChannel, name, kind string) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare exchange: %w", ErrChannelRequired)
	}

	if strings.TrimSpace(kind) == "" {
		kind = constant.DefaultRabbitMQExchangeType
	}

	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	return nil
}

// DeclareDLQTopology declares the topic dead-letter exchange and the durable
// DLQ bound to it with the dead-letter routing key.
func DeclareDLQTopology(ch TopologyChannel, cfg DLQTopologyConfig, opts ...DLQOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare dlq topology: %w", ErrChannelRequired)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := DeclareExchange(ch, cfg.ExchangeName, deadLetterExchangeType); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, cfg.queueDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}

// DeadLetterArgs returns the queue arguments that route rejected deliveries
// to exchange with routingKey.
func DeadLetterArgs(exchange, routingKey string) amqp.Table {
	return amqp.Table{
		constant.HeaderDeadLetterExchange:   exchange,
		constant.HeaderDeadLetterRoutingKey: routingKey,
	}
}

// DeclareConsumerTopology declares the main exchange, the dead-letter
// topology and the consumer queue, then binds the queue once per routing key
// ("#" when none is configured).
func DeclareConsumerTopology(ch TopologyChannel, cfg Config, opts ...DLQOption) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare consumer topology: %w", ErrChannelRequired)
	}

	if err := DeclareExchange(ch, cfg.ExchangeName, cfg.ExchangeType); err != nil {
		return err
	}

	dlq := DLQTopologyConfig{
		ExchangeName: cfg.DeadLetterExchangeName,
		QueueName:    cfg.DeadLetterQueueName,
		RoutingKey:   cfg.DeadLetterRoutingKey,
	}

	if err := DeclareDLQTopology(ch, dlq, opts...); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(cfg.ConsumerQueueName, true, false, false, false,
		DeadLetterArgs(cfg.DeadLetterExchangeName, cfg.DeadLetterRoutingKey)); err != nil {
		return fmt.Errorf("declare consumer queue: %w", err)
	}

	for _, routingKey := range bindingKeys(cfg.ConsumerRoutingKeys) {
		if err := ch.QueueBind(cfg.ConsumerQueueName, routingKey, cfg.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind consumer queue with %q: %w", routingKey, err)
		}
	}

	return nil
}

func bindingKeys(keys []string) []string {
	cleaned := lo.Uniq(lo.Compact(lo.Map(keys, func(key string, _ int) string {
		return strings.TrimSpace(key)
	})))

	if len(cleaned) == 0 {
		return []string{constant.DefaultRabbitMQConsumerRoutingKey}
	}

	return cleaned
}
