// Package consumer implements idempotent inbound message processing: each
// delivery is deduplicated against the idempotency ledger and drives one
// order lifecycle command, with the dedup marker and the state change
// committing in the same transaction.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	managerorder "github.com/douglas-dreer/manager-order"
	"github.com/douglas-dreer/manager-order/backoff"
	"github.com/douglas-dreer/manager-order/log"
	"github.com/douglas-dreer/manager-order/order"
	"github.com/douglas-dreer/manager-order/rabbitmq"
	"github.com/douglas-dreer/manager-order/runtime"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrConsumerRequired   = errors.New("consumer is required")
	ErrConsumerRunning    = errors.New("consumer is already running")
	ErrConnectionRequired = errors.New("broker connection is required")
	ErrLedgerRequired     = errors.New("idempotency ledger is required")
	ErrApplierRequired    = errors.New("command applier is required")
)

// Decision is the outcome of processing one delivery.
type Decision int

const (
	// DecisionAck acknowledges the message: it was applied, deduplicated, or
	// failed permanently (retrying cannot change the outcome).
	DecisionAck Decision = iota
	// DecisionRetry requeues the message for another delivery attempt.
	DecisionRetry
	// DecisionDeadLetter rejects the message without requeue so the queue's
	// dead-letter exchange routes it to the DLQ.
	DecisionDeadLetter
)

func (d Decision) String() string {
	switch d {
	case DecisionAck:
		return "ack"
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Applier drives one lifecycle command against an order.
type Applier interface {
	Apply(ctx context.Context, orderID uuid.UUID, cmd order.Command, expectedVersion int64) (*order.Order, error)
}

// Ledger is the transactional idempotency boundary: WithinTx scopes the
// dedup marker and the command application to one atomic commit.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	RecordIdempotency(ctx context.Context, messageID string) error
}

// Consumer subscribes to the import queue and applies inbound events as
// order commands, at most once per message id.
type Consumer struct {
	conn    *rabbitmq.Connection
	ledger  Ledger
	applier Applier
	logger  log.Logger
	tracer  trace.Tracer
	cfg     Config
	wait    func(ctx context.Context, duration time.Duration) error

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	handleWg   sync.WaitGroup
}

var _ managerorder.App = (*Consumer)(nil)

// WithLogger sets a structured logger on the consumer.
func WithLogger(logger log.Logger) Option {
	return func(consumer *Consumer) {
		if logger != nil {
			consumer.logger = logger
		}
	}
}

// WithTracer sets the tracer used for delivery spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(consumer *Consumer) {
		if tracer != nil {
			consumer.tracer = tracer
		}
	}
}

// New creates the consumer.
func New(conn *rabbitmq.Connection, ledger Ledger, applier Applier, opts ...Option) (*Consumer, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	if ledger == nil {
		return nil, ErrLedgerRequired
	}

	if applier == nil {
		return nil, ErrApplierRequired
	}

	consumer := &Consumer{
		conn:    conn,
		ledger:  ledger,
		applier: applier,
		logger:  log.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("consumer"),
		cfg:     DefaultConfig(),
		wait:    backoff.WaitContext,
		stop:    make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}

	consumer.cfg.normalize()

	return consumer, nil
}

// Run starts consuming until Stop is called.
func (consumer *Consumer) Run(launcher *managerorder.Launcher) error {
	return consumer.RunContext(context.Background(), launcher)
}

// RunContext starts consuming until Stop is called or ctx is cancelled.
func (consumer *Consumer) RunContext(parentCtx context.Context, launcher *managerorder.Launcher) error {
	if consumer == nil {
		return ErrConsumerRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !consumer.registerRun(cancel) {
		cancel()

		return ErrConsumerRunning
	}

	defer consumer.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "order consumer started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "order consumer stopped")
	}

	defer runtime.RecoverAndLog(ctx, consumer.logger, "consumer", "run")

	ch, err := consumer.conn.NewChannel(ctx)
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}

	defer func() {
		_ = ch.Close()
	}()

	if err := ch.Qos(consumer.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set consumer qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, consumer.cfg.Queue, consumer.cfg.ConsumerTag,
		false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", consumer.cfg.Queue, err)
	}

	for {
		select {
		case <-consumer.stop:
			_ = ch.Cancel(consumer.cfg.ConsumerTag, false)

			return nil
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}

			consumer.handleDelivery(ctx, delivery)
		}
	}
}

func (consumer *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	consumer.handleWg.Add(1)
	defer consumer.handleWg.Done()

	ctx, cancel := context.WithTimeout(ctx, consumer.cfg.HandleTimeout)
	defer cancel()

	ctx, span := consumer.tracer.Start(ctx, "consumer.handle_delivery")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.message_id", delivery.MessageId),
		attribute.String("messaging.routing_key", delivery.RoutingKey),
	)
	defer runtime.RecoverAndLog(ctx, consumer.logger, "consumer", "handle_delivery")

	decision := consumer.Process(ctx, delivery.Body, deliveryAttempts(delivery))

	var err error

	switch decision {
	case DecisionAck:
		err = delivery.Ack(false)
	case DecisionRetry:
		err = delivery.Nack(false, true)
	case DecisionDeadLetter:
		consumer.logger.Log(ctx, log.LevelError, "message exhausted redeliveries, routing to dead letter queue",
			log.String("message_id", delivery.MessageId),
			log.String("routing_key", delivery.RoutingKey),
		)

		err = delivery.Nack(false, false)
	}

	if err != nil {
		consumer.logger.Log(ctx, log.LevelError, "failed to settle delivery",
			log.String("decision", decision.String()),
			log.Err(err),
		)
	}
}

// Process applies one raw message and returns the settlement decision. The
// state change and the idempotency marker commit atomically, or neither
// does.
func (consumer *Consumer) Process(ctx context.Context, body []byte, attempts int) Decision {
	logger := consumer.logger

	env, err := rabbitmq.DecodeEnvelope(body)
	if err != nil {
		// Malformed input cannot become valid on redelivery.
		logger.Log(ctx, log.LevelWarn, "discarding malformed message", log.Err(err))

		return DecisionAck
	}

	processed, err := consumer.ledger.IsProcessed(ctx, env.MessageID)
	if err != nil {
		return consumer.retryOrDeadLetter(ctx, env.MessageID, attempts, err)
	}

	if processed {
		logger.Log(ctx, log.LevelDebug, "duplicate message acknowledged without effect",
			log.String("message_id", env.MessageID))

		return DecisionAck
	}

	cmd, known := CommandFor(env.EventType)
	if !known {
		logger.Log(ctx, log.LevelWarn, "discarding message with unknown event type",
			log.String("message_id", env.MessageID),
			log.String("event_type", env.EventType),
		)

		return DecisionAck
	}

	aggregateID, err := uuid.Parse(env.AggregateID)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "discarding message with invalid aggregate id",
			log.String("message_id", env.MessageID),
			log.Err(err),
		)

		return DecisionAck
	}

	err = consumer.ledger.WithinTx(ctx, func(ctx context.Context) error {
		if err := consumer.ledger.RecordIdempotency(ctx, env.MessageID); err != nil {
			return err
		}

		_, err := consumer.applier.Apply(ctx, aggregateID, cmd, order.AnyVersion)

		return err
	})
	if err == nil {
		logger.Log(ctx, log.LevelInfo, "inbound event applied",
			log.String("message_id", env.MessageID),
			log.String("event_type", env.EventType),
			log.String("order_id", aggregateID.String()),
		)

		return DecisionAck
	}

	if order.IsInvalidTransition(err) {
		// The event no longer applies to the order's state. Retrying cannot
		// change the outcome; acknowledge and keep a trace.
		logger.Log(ctx, log.LevelWarn, "inbound event no longer applies, acknowledged without effect",
			log.String("message_id", env.MessageID),
			log.String("event_type", env.EventType),
			log.Err(err),
		)

		return DecisionAck
	}

	// A concurrent handler racing the ledger insert lands here too: the
	// redelivery hits the IsProcessed fast path and is acknowledged.
	return consumer.retryOrDeadLetter(ctx, env.MessageID, attempts, err)
}

func (consumer *Consumer) retryOrDeadLetter(ctx context.Context, messageID string, attempts int, err error) Decision {
	if attempts >= consumer.cfg.MaxRedeliveries {
		consumer.logger.Log(ctx, log.LevelError, "transient failure exhausted redelivery budget",
			log.String("message_id", messageID),
			log.Int("attempts", attempts),
			log.Err(err),
		)

		return DecisionDeadLetter
	}

	delay := backoff.ExponentialWithJitter(consumer.cfg.RetryBackoff, attempts-1)

	consumer.logger.Log(ctx, log.LevelWarn, "transient failure, message will be redelivered",
		log.String("message_id", messageID),
		log.Int("attempts", attempts),
		log.String("backoff", delay.String()),
		log.Err(err),
	)

	// A plain requeue redelivers immediately; pacing the nack keeps a down
	// dependency from spinning a hot redeliver loop. A wait cut short by
	// shutdown still requeues the message.
	_ = consumer.wait(ctx, delay)

	return DecisionRetry
}

// deliveryAttempts derives how many times this message has been delivered.
// Quorum queues carry x-delivery-count; classic queues only expose the
// Redelivered flag, so the count saturates at 2 there and the budget is
// enforced loosely.
func deliveryAttempts(delivery amqp.Delivery) int {
	if raw, ok := delivery.Headers["x-delivery-count"]; ok {
		switch count := raw.(type) {
		case int32:
			return int(count) + 1
		case int64:
			return int(count) + 1
		case int:
			return count + 1
		}
	}

	if delivery.Redelivered {
		return 2
	}

	return 1
}

// Stop signals the consumer to stop taking new deliveries. Idempotent.
func (consumer *Consumer) Stop() {
	if consumer == nil {
		return
	}

	consumer.stopOnce.Do(func() {
		consumer.runStateMu.Lock()
		cancel := consumer.cancelFunc
		stop := consumer.stop
		if stop == nil {
			stop = make(chan struct{})
			consumer.stop = stop
		}
		consumer.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops consuming and waits for in-flight handlers within the grace
// deadline. Unacked deliveries return to the queue for another instance.
func (consumer *Consumer) Shutdown(ctx context.Context) error {
	if consumer == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	consumer.Stop()

	done := make(chan struct{})

	runtime.SafeGo(consumer.logger, "consumer", "shutdown_wait", func() {
		consumer.handleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer shutdown: %w", ctx.Err())
	}
}

func (consumer *Consumer) registerRun(cancel context.CancelFunc) bool {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	if consumer.running {
		return false
	}

	if consumer.stop == nil || isClosedSignal(consumer.stop) {
		consumer.stop = make(chan struct{})
		consumer.stopOnce = sync.Once{}
	}

	consumer.running = true
	consumer.cancelFunc = cancel

	return true
}

func (consumer *Consumer) clearRun() {
	consumer.runStateMu.Lock()
	defer consumer.runStateMu.Unlock()

	consumer.running = false
	consumer.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
