package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
	libOpentelemetry "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrHealthCheckFailed wraps every HealthCheck failure.
var ErrHealthCheckFailed = errors.New("rabbitmq health check failed")

// HealthCheck dials the broker on a fresh connection, opens a channel and
// passively declares the configured exchange. It fails when the exchange
// does not exist.
func HealthCheck(ctx context.Context, cfg Config) error {
	return healthCheck(ctx, cfg, dialAMQP)
}

func healthCheck(ctx context.Context, cfg Config, dial dialFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg.normalize()

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.health_check")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ),
		attribute.String(constant.AttrMessagingDestination, cfg.ExchangeName),
	)

	fail := func(stage string, err error) error {
		err = fmt.Errorf("%w: %w", ErrHealthCheckFailed, newSanitizedError(err, cfg.ConnectionString(), stage))
		libOpentelemetry.HandleSpanError(&span, "RabbitMQ health check failed", err)

		return err
	}

	conn, err := dial(ctx, cfg.ConnectionString(), amqp.Config{
		Properties: amqp.NewConnectionProperties(),
	})
	if err != nil {
		return fail("dial", err)
	}

	defer func() { _ = conn.Close() }()

	if conn.IsClosed() {
		return fail("connection", ErrConnectionClosed)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail("open channel", err)
	}

	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclarePassive(cfg.ExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fail("exchange "+cfg.ExchangeName, err)
	}

	return nil
}
