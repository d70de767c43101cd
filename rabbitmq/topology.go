package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker topology for the order service. The import queue dead-letters into
// the DLX with the order.error key; messages that exhaust redeliveries land
// in the DLQ for inspection instead of being discarded.
const (
	MainExchange       = "ex.orders.main"
	DeadLetterExchange = "ex.orders.dlx"
	ImportQueue        = "q.orders.import"
	DeadLetterQueue    = "q.orders.import.dlq"
	OrderBindingKey    = "order.#"
	ErrorRoutingKey    = "order.error"

	exchangeTypeTopic = "topic"
)

// AMQPChannel defines the channel operations required for topology setup.
type AMQPChannel interface {
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

// TopologyConfig defines exchange/queue names for the order topology.
type TopologyConfig struct {
	MainExchange       string
	DeadLetterExchange string
	ImportQueue        string
	DeadLetterQueue    string
	BindingKey         string
	ErrorRoutingKey    string
	DLQMessageTTL      time.Duration
	DLQMaxLength       int64
}

// TopologyOption configures topology declaration.
type TopologyOption func(*TopologyConfig)

// WithDLQMessageTTL sets x-message-ttl for the dead-letter queue.
func WithDLQMessageTTL(ttl time.Duration) TopologyOption {
	return func(cfg *TopologyConfig) {
		if ttl > 0 {
			cfg.DLQMessageTTL = ttl
		}
	}
}

// WithDLQMaxLength sets x-max-length for the dead-letter queue.
func WithDLQMaxLength(maxLength int64) TopologyOption {
	return func(cfg *TopologyConfig) {
		if maxLength > 0 {
			cfg.DLQMaxLength = maxLength
		}
	}
}

// DefaultTopologyConfig returns the standard order topology names.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		MainExchange:       MainExchange,
		DeadLetterExchange: DeadLetterExchange,
		ImportQueue:        ImportQueue,
		DeadLetterQueue:    DeadLetterQueue,
		BindingKey:         OrderBindingKey,
		ErrorRoutingKey:    ErrorRoutingKey,
	}
}

func (cfg TopologyConfig) dlqDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if cfg.DLQMessageTTL > 0 {
		ttlMillis := cfg.DLQMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if cfg.DLQMaxLength > 0 {
		args["x-max-length"] = cfg.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// importQueueArgs returns the import queue declaration args wiring rejected
// deliveries into the dead-letter exchange.
func (cfg TopologyConfig) importQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": cfg.ErrorRoutingKey,
	}
}

// DeclareTopology declares the full order topology: the main topic exchange,
// the import queue bound to it, the dead-letter exchange, and the DLQ.
// Declarations are idempotent when names and args match existing entities.
func DeclareTopology(ch AMQPChannel, opts ...TopologyOption) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	cfg := DefaultTopologyConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if err := ch.ExchangeDeclare(cfg.MainExchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare main exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, exchangeTypeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.ImportQueue, true, false, false, false, cfg.importQueueArgs()); err != nil {
		return fmt.Errorf("declare import queue: %w", err)
	}

	if err := ch.QueueBind(cfg.ImportQueue, cfg.BindingKey, cfg.MainExchange, false, nil); err != nil {
		return fmt.Errorf("bind import queue: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, cfg.dlqDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.ErrorRoutingKey, cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}

	return nil
}
