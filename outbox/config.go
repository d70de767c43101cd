package outbox

import "time"

const (
	defaultPollInterval      = 2 * time.Second
	defaultBatchSize         = 50
	defaultMaxAttempts       = 10
	defaultRetryBackoffBase  = 200 * time.Millisecond
	defaultProcessingTimeout = 10 * time.Minute
	defaultBrokerDependency  = "rabbitmq"
)

// Config controls publisher polling, retry, and lease behavior.
type Config struct {
	// PollInterval is the periodic interval between publish cycles.
	PollInterval time.Duration
	// BatchSize is the max number of events claimed per cycle.
	BatchSize int
	// MaxAttempts is the max delivery attempts before an event is marked
	// FAILED.
	MaxAttempts int
	// RetryBackoffBase is the base for the exponential backoff applied to an
	// event's next attempt deadline after a failed publish.
	RetryBackoffBase time.Duration
	// ProcessingTimeout is the claim lease: PROCESSING events older than this
	// are reclaimed for another instance.
	ProcessingTimeout time.Duration
	// BrokerDependency is the circuit breaker key for broker publishes.
	BrokerDependency string
}

// DefaultConfig returns the baseline publisher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      defaultPollInterval,
		BatchSize:         defaultBatchSize,
		MaxAttempts:       defaultMaxAttempts,
		RetryBackoffBase:  defaultRetryBackoffBase,
		ProcessingTimeout: defaultProcessingTimeout,
		BrokerDependency:  defaultBrokerDependency,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if cfg.BrokerDependency == "" {
		cfg.BrokerDependency = defaults.BrokerDependency
	}
}

// PublisherOption mutates publisher configuration at construction.
type PublisherOption func(*Publisher)

// WithPollInterval sets the publish polling interval.
func WithPollInterval(interval time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if interval > 0 {
			publisher.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets the maximum events claimed in one cycle.
func WithBatchSize(size int) PublisherOption {
	return func(publisher *Publisher) {
		if size > 0 {
			publisher.cfg.BatchSize = size
		}
	}
}

// WithMaxAttempts sets max delivery attempts before an event goes FAILED.
func WithMaxAttempts(maxAttempts int) PublisherOption {
	return func(publisher *Publisher) {
		if maxAttempts > 0 {
			publisher.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithRetryBackoffBase sets the base backoff between delivery attempts.
func WithRetryBackoffBase(base time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if base > 0 {
			publisher.cfg.RetryBackoffBase = base
		}
	}
}

// WithProcessingTimeout sets the claim lease used to reclaim stuck events.
func WithProcessingTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithBrokerDependency sets the circuit breaker key for broker publishes.
func WithBrokerDependency(dependency string) PublisherOption {
	return func(publisher *Publisher) {
		if dependency != "" {
			publisher.cfg.BrokerDependency = dependency
		}
	}
}
