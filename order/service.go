package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/douglas-dreer/manager-order/log"
	"github.com/douglas-dreer/manager-order/outbox"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrOrderAlreadyExists is returned by Gateway.InsertOrder when the external
// id is already taken. The service resolves it by returning the existing row.
var ErrOrderAlreadyExists = errors.New("order already exists")

// AnyVersion disables the caller-supplied version check; the version read
// inside the transaction is used instead.
const AnyVersion int64 = -1

// Gateway is the transactional persistence boundary the state machine writes
// through. WithinTx runs fn in a single transaction, committing on nil and
// rolling back on error; the per-operation methods join the transaction
// carried by ctx.
type Gateway interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	LoadOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	LoadOrderByExternalID(ctx context.Context, externalID string) (*Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	SaveOrder(ctx context.Context, o *Order, expectedVersion int64) error
	InsertOutboxEvent(ctx context.Context, evt *outbox.Event) error
}

// Service drives the order lifecycle: it validates commands against the
// transition table and commits each accepted transition atomically with its
// outbox event.
type Service struct {
	gateway Gateway
	logger  log.Logger
	tracer  trace.Tracer
}

// ServiceOption configures a Service at construction.
type ServiceOption func(*Service)

// WithLogger sets a structured logger on the service.
func WithLogger(logger log.Logger) ServiceOption {
	return func(svc *Service) {
		if logger != nil {
			svc.logger = logger
		}
	}
}

// WithTracer sets the tracer used for service spans.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(svc *Service) {
		if tracer != nil {
			svc.tracer = tracer
		}
	}
}

// NewService creates the order service.
func NewService(gateway Gateway, opts ...ServiceOption) (*Service, error) {
	if gateway == nil {
		return nil, ErrGatewayRequired
	}

	svc := &Service{
		gateway: gateway,
		logger:  log.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("order"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	return svc, nil
}

// CreateOrderInput carries the fields needed to create an order.
type CreateOrderInput struct {
	ExternalID  string
	CustomerRef string
	LineItems   []LineItem
}

// CreateOrder persists a new order in CREATED status together with its
// OrderCreated outbox event. Creation is idempotent on the external id: if an
// order with the same external id already exists, the stored order is
// returned unchanged, including when a concurrent writer wins the insert race.
func (svc *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*Order, error) {
	ctx, span := svc.tracer.Start(ctx, "order.create")
	defer span.End()

	existing, err := svc.gateway.LoadOrderByExternalID(ctx, input.ExternalID)
	if err == nil {
		svc.logger.Log(ctx, log.LevelInfo, "order creation deduplicated by external id",
			log.String("external_id", input.ExternalID),
			log.String("order_id", existing.ID.String()),
		)

		return existing, nil
	}

	if !errors.Is(err, ErrOrderNotFound) {
		return nil, fmt.Errorf("lookup order by external id: %w", err)
	}

	o, err := NewOrder(input.ExternalID, input.CustomerRef, input.LineItems)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	evt, err := BuildEvent(o, EventTypeOrderCreated, "")
	if err != nil {
		return nil, err
	}

	err = svc.gateway.WithinTx(ctx, func(ctx context.Context) error {
		if err := svc.gateway.InsertOrder(ctx, o); err != nil {
			return err
		}

		return svc.gateway.InsertOutboxEvent(ctx, evt)
	})
	if errors.Is(err, ErrOrderAlreadyExists) {
		// Lost the unique-index race to a concurrent creator.
		return svc.gateway.LoadOrderByExternalID(ctx, input.ExternalID)
	}

	if err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	svc.logger.Log(ctx, log.LevelInfo, "order created",
		log.String("order_id", o.ID.String()),
		log.String("external_id", o.ExternalID),
	)

	return o, nil
}

// Apply runs one lifecycle command against the order. The order row and its
// outbox event commit in the same transaction; a version mismatch against
// expectedVersion (when not AnyVersion) or against a concurrent writer yields
// ConflictError with no write performed.
func (svc *Service) Apply(ctx context.Context, orderID uuid.UUID, cmd Command, expectedVersion int64) (*Order, error) {
	ctx, span := svc.tracer.Start(ctx, "order.apply")
	defer span.End()

	var applied *Order

	err := svc.gateway.WithinTx(ctx, func(ctx context.Context) error {
		o, err := svc.gateway.LoadOrder(ctx, orderID)
		if err != nil {
			return err
		}

		if expectedVersion != AnyVersion && o.Version != expectedVersion {
			return &ConflictError{
				OrderID:         o.ID,
				ExpectedVersion: expectedVersion,
				ActualVersion:   o.Version,
			}
		}

		readVersion := o.Version

		previous, err := o.Transition(cmd)
		if err != nil {
			return err
		}

		o.Version = readVersion + 1

		if err := svc.gateway.SaveOrder(ctx, o, readVersion); err != nil {
			return err
		}

		evt, err := BuildEvent(o, cmd.EventType(), previous)
		if err != nil {
			return err
		}

		if err := svc.gateway.InsertOutboxEvent(ctx, evt); err != nil {
			return err
		}

		applied = o

		return nil
	})
	if err != nil {
		return nil, err
	}

	svc.logger.Log(ctx, log.LevelInfo, "order transition applied",
		log.String("order_id", applied.ID.String()),
		log.String("command", cmd.String()),
		log.String("status", applied.Status.String()),
		log.Int64("version", applied.Version),
	)

	return applied, nil
}

// GetOrder loads an order by id.
func (svc *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	ctx, span := svc.tracer.Start(ctx, "order.get")
	defer span.End()

	o, err := svc.gateway.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}

	return o, nil
}
