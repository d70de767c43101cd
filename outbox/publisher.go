package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	managerorder "github.com/douglas-dreer/manager-order"
	"github.com/douglas-dreer/manager-order/backoff"
	"github.com/douglas-dreer/manager-order/log"
	"github.com/douglas-dreer/manager-order/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libruntime "github.com/douglas-dreer/manager-order/runtime"
)

// Publisher drains pending outbox events to the broker on a fixed interval.
// Delivery is at-least-once: the broker publish happens before the PUBLISHED
// mark, so a crash between the two redelivers the event and consumers must
// stay idempotent. Events for one aggregate are published in creation order;
// a failure blocks the rest of that aggregate until the event resolves.
type Publisher struct {
	repo   Repository
	broker Broker
	guard  Guard
	logger log.Logger
	tracer trace.Tracer
	cfg    Config

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
}

var _ managerorder.App = (*Publisher)(nil)

// CycleResult captures one publish cycle outcome.
type CycleResult struct {
	Reclaimed         int
	Claimed           int
	Published         int
	Rescheduled       int
	Failed            int
	Released          int
	StateUpdateFailed int
}

// NewPublisher creates the outbox publisher. The guard wraps every broker
// publish; pass nil to publish unguarded (tests only).
func NewPublisher(repo Repository, broker Broker, guard Guard, opts ...PublisherOption) (*Publisher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if broker == nil {
		return nil, ErrBrokerRequired
	}

	publisher := &Publisher{
		repo:   repo,
		broker: broker,
		guard:  guard,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("outbox"),
		cfg:    DefaultConfig(),
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	publisher.cfg.normalize()

	return publisher, nil
}

// WithLogger sets a structured logger on the publisher.
func WithLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if logger != nil {
			publisher.logger = logger
		}
	}
}

// WithTracer sets the tracer used for cycle spans.
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(publisher *Publisher) {
		if tracer != nil {
			publisher.tracer = tracer
		}
	}
}

// Run starts the publisher loop until Stop is called.
func (publisher *Publisher) Run(launcher *managerorder.Launcher) error {
	return publisher.RunContext(context.Background(), launcher)
}

// RunContext starts the publisher loop until Stop is called or ctx is
// cancelled.
func (publisher *Publisher) RunContext(parentCtx context.Context, launcher *managerorder.Launcher) error {
	if publisher == nil {
		return ErrPublisherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !publisher.registerRun(cancel) {
		cancel()

		return ErrPublisherRunning
	}

	defer publisher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox publisher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox publisher stopped")
	}

	defer libruntime.RecoverAndLog(ctx, publisher.logger, "outbox", "publisher_run")

	ticker := time.NewTicker(publisher.cfg.PollInterval)
	defer ticker.Stop()

	publisher.runCycle(ctx)

	for {
		select {
		case <-publisher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-publisher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			publisher.runCycle(ctx)
		}
	}
}

func (publisher *Publisher) runCycle(ctx context.Context) {
	publisher.dispatchWg.Add(1)
	defer publisher.dispatchWg.Done()

	cycleCtx, span := publisher.tracer.Start(ctx, "outbox.publish_cycle")
	defer span.End()
	defer libruntime.RecoverAndLog(cycleCtx, publisher.logger, "outbox", "publish_cycle")

	publisher.PublishOnce(cycleCtx)
}

// Stop signals the publisher loop to stop. Idempotent.
func (publisher *Publisher) Stop() {
	if publisher == nil {
		return
	}

	publisher.stopOnce.Do(func() {
		publisher.runStateMu.Lock()
		cancel := publisher.cancelFunc
		stop := publisher.stop
		if stop == nil {
			stop = make(chan struct{})
			publisher.stop = stop
		}
		publisher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish or ctx
// to expire. Unfinished claims are left to lease expiry for another instance.
func (publisher *Publisher) Shutdown(ctx context.Context) error {
	if publisher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	publisher.Stop()

	done := make(chan struct{})

	libruntime.SafeGo(publisher.logger, "outbox", "publisher_shutdown_wait", func() {
		publisher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher shutdown: %w", ctx.Err())
	}
}

// PublishOnce runs one publish cycle and returns counters. Exposed for the
// service's drain endpoint and for tests; the Run loop calls it on every
// tick.
func (publisher *Publisher) PublishOnce(ctx context.Context) CycleResult {
	if publisher == nil || publisher.repo == nil || publisher.broker == nil {
		return CycleResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := publisher.logger

	ctx, span := publisher.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	var result CycleResult

	reclaimed, err := publisher.repo.ReclaimStuck(
		ctx,
		publisher.cfg.BatchSize,
		time.Now().UTC().Add(-publisher.cfg.ProcessingTimeout),
	)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to reclaim stuck outbox events", log.Err(err))
	}

	result.Reclaimed = reclaimed

	events, err := publisher.repo.ClaimPending(ctx, publisher.cfg.BatchSize)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to claim pending outbox events", log.Err(err))

		return result
	}

	result.Claimed = len(events)

	span.SetAttributes(
		attribute.Int("outbox.reclaimed", result.Reclaimed),
		attribute.Int("outbox.claimed", result.Claimed),
	)

	// Aggregates that failed earlier in this cycle: later events for them
	// must wait so creation order is preserved on the wire.
	blocked := make(map[uuid.UUID]bool)
	brokerDown := false

	for _, event := range events {
		if event == nil {
			continue
		}

		if ctx.Err() != nil || brokerDown || blocked[event.AggregateID] {
			publisher.release(ctx, event, &result)

			continue
		}

		err := publisher.publish(ctx, event)
		if err == nil {
			if markErr := publisher.repo.MarkPublished(ctx, event.ID, time.Now().UTC()); markErr != nil {
				logger.Log(ctx, log.LevelError,
					"outbox event published to broker but failed to persist PUBLISHED state; event may be redelivered",
					log.String("event_id", event.ID.String()),
					log.Err(markErr),
				)

				result.StateUpdateFailed++

				continue
			}

			result.Published++

			continue
		}

		blocked[event.AggregateID] = true

		if errors.Is(err, resilience.ErrCircuitOpen) {
			// No point hammering an open breaker; put everything back and
			// let a later cycle retry.
			logger.Log(ctx, log.LevelWarn, "broker circuit open, ending publish cycle early",
				log.String("dependency", publisher.cfg.BrokerDependency))

			brokerDown = true

			publisher.release(ctx, event, &result)

			continue
		}

		publisher.handlePublishError(ctx, event, err, &result)
	}

	return result
}

func (publisher *Publisher) publish(ctx context.Context, event *Event) error {
	if len(event.Payload) == 0 {
		return ErrPayloadRequired
	}

	if publisher.guard == nil {
		return publisher.broker.Publish(ctx, event)
	}

	return publisher.guard.Execute(ctx, publisher.cfg.BrokerDependency, func(ctx context.Context) error {
		return publisher.broker.Publish(ctx, event)
	})
}

func (publisher *Publisher) release(ctx context.Context, event *Event, result *CycleResult) {
	if err := publisher.repo.Release(ctx, event.ID); err != nil {
		publisher.logger.Log(ctx, log.LevelError, "failed to release claimed outbox event",
			log.String("event_id", event.ID.String()),
			log.Err(err),
		)

		result.StateUpdateFailed++

		return
	}

	result.Released++
}

func (publisher *Publisher) handlePublishError(ctx context.Context, event *Event, publishErr error, result *CycleResult) {
	logger := publisher.logger
	attempts := event.Attempts + 1

	if attempts >= publisher.cfg.MaxAttempts {
		if err := publisher.repo.MarkFailed(ctx, event.ID, publishErr.Error()); err != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox event FAILED",
				log.String("event_id", event.ID.String()),
				log.Err(err),
			)

			result.StateUpdateFailed++

			return
		}

		// Alert-worthy: the event is out of attempts and needs an operator
		// replay. The row stays queryable; nothing is lost silently.
		logger.Log(ctx, log.LevelError, "outbox event exhausted delivery attempts and was marked FAILED",
			log.String("event_id", event.ID.String()),
			log.String("aggregate_id", event.AggregateID.String()),
			log.String("event_type", event.EventType),
			log.Int("attempts", attempts),
			log.Err(publishErr),
		)

		result.Failed++

		return
	}

	nextAttempt := time.Now().UTC().Add(backoff.ExponentialWithJitter(publisher.cfg.RetryBackoffBase, attempts-1))

	if err := publisher.repo.Reschedule(ctx, event.ID, publishErr.Error(), nextAttempt); err != nil {
		logger.Log(ctx, log.LevelError, "failed to reschedule outbox event",
			log.String("event_id", event.ID.String()),
			log.Err(err),
		)

		result.StateUpdateFailed++

		return
	}

	logger.Log(ctx, log.LevelWarn, "outbox event publish failed, rescheduled",
		log.String("event_id", event.ID.String()),
		log.String("event_type", event.EventType),
		log.Int("attempts", attempts),
		log.Err(publishErr),
	)

	result.Rescheduled++
}

func (publisher *Publisher) registerRun(cancel context.CancelFunc) bool {
	publisher.runStateMu.Lock()
	defer publisher.runStateMu.Unlock()

	if publisher.running {
		return false
	}

	if publisher.stop == nil || isClosedSignal(publisher.stop) {
		publisher.stop = make(chan struct{})
		publisher.stopOnce = sync.Once{}
	}

	publisher.running = true
	publisher.cancelFunc = cancel

	return true
}

func (publisher *Publisher) clearRun() {
	publisher.runStateMu.Lock()
	defer publisher.runStateMu.Unlock()

	publisher.running = false
	publisher.cancelFunc = nil
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
