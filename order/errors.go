package order

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderRequired       = errors.New("order is required")
	ErrExternalIDRequired  = errors.New("external id is required")
	ErrCustomerRefRequired = errors.New("customer reference is required")
	ErrLineItemsRequired   = errors.New("at least one line item is required")
	ErrProductNameRequired = errors.New("line item product name is required")
	ErrQuantityInvalid     = errors.New("line item quantity must be positive")
	ErrUnitPriceInvalid    = errors.New("line item unit price must not be negative")
	ErrGatewayRequired     = errors.New("gateway is required")
	ErrCommandUnknown      = errors.New("unknown order command")
	ErrStatusInvalid       = errors.New("invalid order status")
)

// ConflictError reports an optimistic concurrency failure: the order was
// modified between the caller's read and its write. Recoverable by re-reading
// and retrying on fresh state.
type ConflictError struct {
	OrderID         uuid.UUID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s version conflict: expected %d, found %d",
		e.OrderID, e.ExpectedVersion, e.ActualVersion)
}

// InvalidTransitionError reports a command that is not accepted from the
// order's current status. Permanent: retrying cannot change the outcome.
type InvalidTransitionError struct {
	OrderID uuid.UUID
	From    Status
	Command Command
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: command %s is not valid from status %s",
		e.OrderID, e.Command, e.From)
}

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError

	return errors.As(err, &conflict)
}

// IsInvalidTransition reports whether err is a rejected lifecycle transition.
func IsInvalidTransition(err error) bool {
	var invalid *InvalidTransitionError

	return errors.As(err, &invalid)
}
