package consumer

import "time"

const (
	defaultQueue           = "q.orders.import"
	defaultConsumerTag     = "manager-order-consumer"
	defaultPrefetchCount   = 10
	defaultMaxRedeliveries = 5
	defaultHandleTimeout   = 30 * time.Second
	defaultRetryBackoff    = 500 * time.Millisecond
)

// Config controls the consumer's queue binding and retry policy.
type Config struct {
	// Queue is the queue the consumer subscribes to.
	Queue string
	// ConsumerTag identifies this consumer on the channel.
	ConsumerTag string
	// PrefetchCount bounds unacked deliveries in flight.
	PrefetchCount int
	// MaxRedeliveries is the delivery attempt budget before a message is
	// dead-lettered instead of requeued.
	MaxRedeliveries int
	// HandleTimeout bounds the processing of one delivery.
	HandleTimeout time.Duration
	// RetryBackoff is the base for the exponential backoff applied before a
	// transient failure is requeued; a plain requeue redelivers immediately.
	RetryBackoff time.Duration
}

// DefaultConfig returns the baseline consumer configuration.
func DefaultConfig() Config {
	return Config{
		Queue:           defaultQueue,
		ConsumerTag:     defaultConsumerTag,
		PrefetchCount:   defaultPrefetchCount,
		MaxRedeliveries: defaultMaxRedeliveries,
		HandleTimeout:   defaultHandleTimeout,
		RetryBackoff:    defaultRetryBackoff,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Queue == "" {
		cfg.Queue = defaults.Queue
	}

	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = defaults.ConsumerTag
	}

	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = defaults.PrefetchCount
	}

	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = defaults.MaxRedeliveries
	}

	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaults.HandleTimeout
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
}

// Option mutates consumer configuration at construction.
type Option func(*Consumer)

// WithQueue sets the queue the consumer subscribes to.
func WithQueue(queue string) Option {
	return func(consumer *Consumer) {
		if queue != "" {
			consumer.cfg.Queue = queue
		}
	}
}

// WithConsumerTag sets the consumer tag.
func WithConsumerTag(tag string) Option {
	return func(consumer *Consumer) {
		if tag != "" {
			consumer.cfg.ConsumerTag = tag
		}
	}
}

// WithPrefetchCount sets the unacked delivery bound.
func WithPrefetchCount(count int) Option {
	return func(consumer *Consumer) {
		if count > 0 {
			consumer.cfg.PrefetchCount = count
		}
	}
}

// WithMaxRedeliveries sets the delivery attempt budget before dead-lettering.
func WithMaxRedeliveries(max int) Option {
	return func(consumer *Consumer) {
		if max > 0 {
			consumer.cfg.MaxRedeliveries = max
		}
	}
}

// WithRetryBackoff sets the base backoff applied before requeueing a
// transient failure.
func WithRetryBackoff(base time.Duration) Option {
	return func(consumer *Consumer) {
		if base > 0 {
			consumer.cfg.RetryBackoff = base
		}
	}
}

// WithHandleTimeout bounds the processing of one delivery.
func WithHandleTimeout(timeout time.Duration) Option {
	return func(consumer *Consumer) {
		if timeout > 0 {
			consumer.cfg.HandleTimeout = timeout
		}
	}
}
