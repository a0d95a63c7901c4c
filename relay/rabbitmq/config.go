package rabbitmq

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid rabbitmq config")

// Config describes the broker connection, the publish target and the
// consumer topology.
type Config struct {
	// URL overrides the connection string built from the fields below.
	URL                string `json:"-"`
	Host               string
	Port               int
	VirtualHost        string
	User               string `json:"-"`
	Password           string `json:"-"`
	ClientProvidedName string

	ExchangeName string
	ExchangeType string
	// DefaultRoutingKey, when set, is used for every publish instead of the
	// key derived from the message type.
	DefaultRoutingKey        string
	PublisherConfirmsEnabled bool
	ConfirmTimeout           time.Duration

	ConsumerQueueName           string
	ConsumerRoutingKeys         []string
	ConsumerPrefetchCount       int
	ConsumerIdempotencyTTLHours int
	DeadLetterExchangeName      string
	DeadLetterQueueName         string
	DeadLetterRoutingKey        string

	ReconnectBackoffInitial time.Duration
	ReconnectBackoffMax     time.Duration
}

// DefaultConfig returns a local-broker configuration with confirms enabled.
func DefaultConfig() Config {
	return Config{
		Host:                        constant.DefaultRabbitMQHost,
		Port:                        constant.DefaultRabbitMQPort,
		VirtualHost:                 constant.DefaultRabbitMQVirtualHost,
		User:                        constant.DefaultRabbitMQUser,
		Password:                    constant.DefaultRabbitMQPassword,
		ClientProvidedName:          constant.DefaultRabbitMQClientName,
		ExchangeName:                constant.DefaultRabbitMQExchange,
		ExchangeType:                constant.DefaultRabbitMQExchangeType,
		DefaultRoutingKey:           constant.DefaultRabbitMQRoutingKey,
		PublisherConfirmsEnabled:    true,
		ConfirmTimeout:              constant.DefaultRabbitMQConfirmTimeout,
		ConsumerQueueName:           constant.DefaultRabbitMQConsumerQueue,
		ConsumerRoutingKeys:         []string{constant.DefaultRabbitMQConsumerRoutingKey},
		ConsumerPrefetchCount:       constant.DefaultRabbitMQPrefetch,
		ConsumerIdempotencyTTLHours: constant.DefaultConsumerIdempotencyTTLHours,
		DeadLetterExchangeName:      constant.DefaultRabbitMQDeadLetterExchange,
		DeadLetterQueueName:         constant.DefaultRabbitMQDeadLetterQueue,
		DeadLetterRoutingKey:        constant.DefaultRabbitMQDeadLetterRoutingKey,
		ReconnectBackoffInitial:     500 * time.Millisecond,
		ReconnectBackoffMax:         constant.DefaultRabbitMQNetworkRecoveryInterval,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if strings.TrimSpace(cfg.ExchangeType) == "" {
		cfg.ExchangeType = defaults.ExchangeType
	}

	if strings.TrimSpace(cfg.ClientProvidedName) == "" {
		cfg.ClientProvidedName = defaults.ClientProvidedName
	}

	if len(cfg.ConsumerRoutingKeys) == 0 {
		cfg.ConsumerRoutingKeys = defaults.ConsumerRoutingKeys
	}

	if cfg.ReconnectBackoffInitial <= 0 {
		cfg.ReconnectBackoffInitial = defaults.ReconnectBackoffInitial
	}

	if cfg.ReconnectBackoffMax < cfg.ReconnectBackoffInitial {
		cfg.ReconnectBackoffMax = max(defaults.ReconnectBackoffMax, cfg.ReconnectBackoffInitial)
	}
}

// ConnectionString returns URL when set, otherwise an amqp:// URL built from
// the discrete fields.
func (cfg Config) ConnectionString() string {
	if strings.TrimSpace(cfg.URL) != "" {
		return strings.TrimSpace(cfg.URL)
	}

	port := ""
	if cfg.Port > 0 {
		port = strconv.Itoa(cfg.Port)
	}

	vhost := cfg.VirtualHost
	if vhost == constant.DefaultRabbitMQVirtualHost {
		vhost = ""
	}

	return BuildConnectionString("amqp", cfg.User, cfg.Password, cfg.Host, port, vhost)
}

// IdempotencyTTL is ConsumerIdempotencyTTLHours in hours, never below one.
func (cfg Config) IdempotencyTTL() time.Duration {
	return time.Duration(max(1, cfg.ConsumerIdempotencyTTLHours)) * time.Hour
}

// ValidatePublisher checks the settings Bus depends on.
func (cfg Config) ValidatePublisher() error {
	var errs []error

	if strings.TrimSpace(cfg.ExchangeName) == "" {
		errs = append(errs, configError("exchange name is required"))
	}

	if cfg.PublisherConfirmsEnabled && cfg.ConfirmTimeout <= 0 {
		errs = append(errs, configError("confirm timeout must be greater than zero"))
	}

	if cfg.URL == "" && strings.TrimSpace(cfg.Host) == "" {
		errs = append(errs, configError("host or url is required"))
	}

	return errors.Join(errs...)
}

// ValidateConsumer checks the settings Consumer depends on. Prefetch must be
// exactly one: deliveries are processed strictly one at a time.
func (cfg Config) ValidateConsumer() error {
	var errs []error

	if strings.TrimSpace(cfg.ExchangeName) == "" {
		errs = append(errs, configError("exchange name is required"))
	}

	if strings.TrimSpace(cfg.ConsumerQueueName) == "" {
		errs = append(errs, configError("consumer queue name is required"))
	}

	if cfg.ConsumerPrefetchCount != 1 {
		errs = append(errs, configError(fmt.Sprintf("consumer prefetch count must be 1, got %d", cfg.ConsumerPrefetchCount)))
	}

	if strings.TrimSpace(cfg.DeadLetterExchangeName) == "" {
		errs = append(errs, configError("dead letter exchange name is required"))
	}

	if strings.TrimSpace(cfg.DeadLetterQueueName) == "" {
		errs = append(errs, configError("dead letter queue name is required"))
	}

	if strings.TrimSpace(cfg.DeadLetterRoutingKey) == "" {
		errs = append(errs, configError("dead letter routing key is required"))
	}

	if cfg.ConsumerIdempotencyTTLHours <= 0 {
		errs = append(errs, configError("consumer idempotency ttl hours must be greater than zero"))
	}

	if cfg.URL == "" && strings.TrimSpace(cfg.Host) == "" {
		errs = append(errs, configError("host or url is required"))
	}

	return errors.Join(errs...)
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

// BuildConnectionString constructs an AMQP connection string. An empty vhost
// selects the default "/" vhost. User, password and vhost are escaped, and
// bare IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// vhost names may contain '/', which must travel as %2F.
		escapedVHost := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
