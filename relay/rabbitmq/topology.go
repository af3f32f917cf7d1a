package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/workflow-relay/relay/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchangeName    = "workflow.events"
	defaultExchangeType    = "topic"
	defaultDLXExchangeName = "workflow.events.dlx"
	defaultDLQName         = "workflow.events.dlq"
	defaultBindingKey      = "#"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyConfig names the event exchange and its optional dead-letter pair.
// Queue is optional; when set it is declared, bound to the exchange with
// BindingKey, and dead-lettered to DLXExchangeName.
type TopologyConfig struct {
	ExchangeName    string
	ExchangeType    string
	Queue           string
	BindingKey      string
	DLXExchangeName string
	DLQName         string
	QueueMessageTTL time.Duration
	QueueMaxLength  int64
}

// DefaultTopologyConfig returns the exchange layout the relay publishes to.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		ExchangeName:    defaultExchangeName,
		ExchangeType:    defaultExchangeType,
		BindingKey:      defaultBindingKey,
		DLXExchangeName: defaultDLXExchangeName,
		DLQName:         defaultDLQName,
	}
}

func (cfg TopologyConfig) normalize() TopologyConfig {
	defaults := DefaultTopologyConfig()

	if strings.TrimSpace(cfg.ExchangeName) == "" {
		cfg.ExchangeName = defaults.ExchangeName
	}

	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaults.ExchangeType
	}

	if cfg.BindingKey == "" {
		cfg.BindingKey = defaults.BindingKey
	}

	return cfg
}

func (cfg TopologyConfig) queueDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.DLXExchangeName != "" {
		args["x-dead-letter-exchange"] = cfg.DLXExchangeName
	}

	if cfg.QueueMessageTTL > 0 {
		ttlMillis := cfg.QueueMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareTopology declares the durable event exchange and, when configured,
// the dead-letter exchange, the dead-letter queue, and a bound work queue.
// Declarations are idempotent on the broker side.
func DeclareTopology(ch TopologyChannel, cfg TopologyConfig) error {
	if nilcheck.Interface(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	cfg = cfg.normalize()

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.ExchangeName, err)
	}

	if cfg.DLXExchangeName != "" {
		if err := ch.ExchangeDeclare(cfg.DLXExchangeName, defaultExchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlx exchange: %w", err)
		}

		if cfg.DLQName != "" {
			if _, err := ch.QueueDeclare(cfg.DLQName, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare dlq queue: %w", err)
			}

			if err := ch.QueueBind(cfg.DLQName, defaultBindingKey, cfg.DLXExchangeName, false, nil); err != nil {
				return fmt.Errorf("bind dlq to dlx: %w", err)
			}
		}
	}

	if cfg.Queue == "" {
		return nil
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, cfg.queueDeclareArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.BindingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}

	return nil
}
