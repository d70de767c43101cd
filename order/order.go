// Package order implements the order aggregate and its lifecycle state
// machine: validated status transitions guarded by optimistic concurrency,
// each accepted transition committed atomically with exactly one outbox
// event describing the change.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventTypeOrderCreated is emitted once when an order is first persisted.
const EventTypeOrderCreated = "OrderCreated"

// LineItem is a purchased product line within an order. The state machine
// only requires that at least one item exists; pricing arithmetic lives here.
type LineItem struct {
	ProductName string
	Quantity    int64
	UnitPrice   decimal.Decimal
}

// Total returns the line amount, unit price times quantity.
func (item LineItem) Total() decimal.Decimal {
	return item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity))
}

func (item LineItem) validate() error {
	if strings.TrimSpace(item.ProductName) == "" {
		return ErrProductNameRequired
	}

	if item.Quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrQuantityInvalid, item.Quantity)
	}

	if item.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: got %s", ErrUnitPriceInvalid, item.UnitPrice)
	}

	return nil
}

// Order is the aggregate root. Version increments on every persisted
// mutation and is the sole serialization point for concurrent writers.
type Order struct {
	ID          uuid.UUID
	ExternalID  string
	CustomerRef string
	Status      Status
	Version     int64
	LineItems   []LineItem
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewOrder creates a valid order in CREATED status at version zero. The
// external id is the caller's idempotency handle: persisting two orders with
// the same external id must yield a single row.
func NewOrder(externalID, customerRef string, items []LineItem) (*Order, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrExternalIDRequired
	}

	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, ErrCustomerRefRequired
	}

	if len(items) == 0 {
		return nil, ErrLineItemsRequired
	}

	for i, item := range items {
		if err := item.validate(); err != nil {
			return nil, fmt.Errorf("line item %d: %w", i, err)
		}
	}

	now := time.Now().UTC()

	o := &Order{
		ID:          uuid.New(),
		ExternalID:  externalID,
		CustomerRef: customerRef,
		Status:      StatusCreated,
		Version:     0,
		LineItems:   items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.TotalAmount = o.CalculateTotal()

	return o, nil
}

// CalculateTotal sums the line item totals.
func (o *Order) CalculateTotal() decimal.Decimal {
	total := decimal.Zero

	for _, item := range o.LineItems {
		total = total.Add(item.Total())
	}

	return total
}

// Transition applies a lifecycle command in memory, returning the previous
// status. The caller persists the result under the version check; Version is
// not bumped here so the conditional update sees the value that was read.
func (o *Order) Transition(cmd Command) (Status, error) {
	if !cmd.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrCommandUnknown, cmd)
	}

	if !cmd.AllowedFrom(o.Status) {
		return "", &InvalidTransitionError{OrderID: o.ID, From: o.Status, Command: cmd}
	}

	previous := o.Status
	o.Status = cmd.Target()
	o.UpdatedAt = time.Now().UTC()

	return previous, nil
}
