package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/douglas-dreer/manager-order/log"
	"github.com/douglas-dreer/manager-order/outbox"
	"github.com/douglas-dreer/manager-order/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("event publisher is required")
	ErrPublisherNotReady      = errors.New("event publisher not initialized")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout is the default timeout for waiting on broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover max unconfirmed messages to avoid blocking.
	confirmChannelBuffer = 256

	contentTypeJSON = "application/json"
)

// ConfirmableChannel defines the channel operations used with confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// EventPublisher publishes order events to the main exchange with publisher
// confirms enabled. Publish calls are serialized per instance so confirms
// correlate without delivery-tag state; the outbox drain loop is itself
// sequential, which matches.
type EventPublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	done           chan struct{}
	logger         log.Logger
	exchange       string
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	closed    bool
}

var _ outbox.Broker = (*EventPublisher)(nil)

// EventPublisherOption configures an EventPublisher.
type EventPublisherOption func(*EventPublisher)

// WithPublisherLogger sets a structured logger for the publisher.
func WithPublisherLogger(logger log.Logger) EventPublisherOption {
	return func(pub *EventPublisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout sets the timeout for waiting on broker confirmation.
func WithConfirmTimeout(timeout time.Duration) EventPublisherOption {
	return func(pub *EventPublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithExchange overrides the target exchange.
func WithExchange(exchange string) EventPublisherOption {
	return func(pub *EventPublisher) {
		if exchange != "" {
			pub.exchange = exchange
		}
	}
}

// NewEventPublisher creates a confirm-mode publisher on a dedicated channel
// from the connection.
func NewEventPublisher(conn *Connection, opts ...EventPublisherOption) (*EventPublisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	ch, err := conn.NewChannel(context.Background())
	if err != nil {
		return nil, err
	}

	return NewEventPublisherFromChannel(ch, opts...)
}

// NewEventPublisherFromChannel creates a publisher from an existing channel.
func NewEventPublisherFromChannel(ch ConfirmableChannel, opts ...EventPublisherOption) (*EventPublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub := &EventPublisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		done:           make(chan struct{}),
		logger:         log.NewNop(),
		exchange:       MainExchange,
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.startCloseMonitor(closeNotify)

	return pub, nil
}

func (pub *EventPublisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	monitorDone := pub.done

	runtime.SafeGo(pub.logger, "rabbitmq", "publisher_close_monitor", func() {
		select {
		case amqpErr := <-closeNotify:
			pub.mu.Lock()
			pub.closed = true
			pub.mu.Unlock()

			pub.closeOnce.Do(func() { close(pub.closedCh) })

			if amqpErr != nil {
				pub.logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
					log.Err(amqpErr))
			}
		case <-monitorDone:
			return
		}
	})
}

// Publish delivers one outbox event to the exchange and waits for the broker
// confirmation. The routing key derives from the event type.
func (pub *EventPublisher) Publish(ctx context.Context, event *outbox.Event) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if event == nil {
		return outbox.ErrEventRequired
	}

	body, err := EncodeEnvelope(Envelope{
		MessageID:   event.ID.String(),
		AggregateID: event.AggregateID.String(),
		EventType:   event.EventType,
		Payload:     event.Payload,
		OccurredAt:  event.CreatedAt,
	})
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Type:         event.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	return pub.publishAndWaitConfirm(ctx, event.RoutingKey(), msg)
}

func (pub *EventPublisher) publishAndWaitConfirm(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		pub.mu.RUnlock()

		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()

		return ErrPublisherNotReady
	}

	ch := pub.ch
	confirms := pub.confirms
	closedCh := pub.closedCh
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, pub.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// The unconsumed confirmation would be read by the next publish as
		// its own outcome. Tear the channel down so every later publish
		// fails instead of acking on a stale entry.
		pub.invalidateChannel(ch)
	}

	return err
}

// isConfirmStreamCorrupted reports whether the error leaves a stale entry in
// the confirmation channel that would desynchronize the next wait.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidateChannel permanently closes the publisher and the underlying
// channel. Must be called while holding publishMu.
func (pub *EventPublisher) invalidateChannel(ch ConfirmableChannel) {
	pub.mu.Lock()
	pub.closed = true
	pub.ch = nil
	done := pub.done
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	select {
	case <-done:
	default:
		close(done)
	}

	if ch != nil {
		_ = ch.Close()
	}
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close permanently closes the publisher and its channel.
func (pub *EventPublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.Lock()

	if pub.closed {
		pub.mu.Unlock()

		return nil
	}

	pub.closed = true
	ch := pub.ch
	pub.ch = nil
	done := pub.done
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	select {
	case <-done:
	default:
		close(done)
	}

	if ch != nil {
		if err := ch.Close(); err != nil {
			return fmt.Errorf("close publisher channel: %w", err)
		}
	}

	return nil
}
