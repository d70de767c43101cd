package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/douglas-dreer/manager-order/outbox"
)

// EventPayload is the JSON snapshot stored with each outbox event. It
// captures the transition, not just the resulting state, so consumers can
// react without re-reading the aggregate.
type EventPayload struct {
	OrderID        string    `json:"orderId"`
	ExternalID     string    `json:"externalId"`
	CustomerRef    string    `json:"customerRef"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	Status         string    `json:"status"`
	Version        int64     `json:"version"`
	TotalAmount    string    `json:"totalAmount"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// BuildEvent creates the outbox event describing a transition of o from
// previous to its current status. Pass an empty previous status for the
// creation event.
func BuildEvent(o *Order, eventType string, previous Status) (*outbox.Event, error) {
	if o == nil {
		return nil, ErrOrderRequired
	}

	payload := EventPayload{
		OrderID:        o.ID.String(),
		ExternalID:     o.ExternalID,
		CustomerRef:    o.CustomerRef,
		PreviousStatus: previous.String(),
		Status:         o.Status.String(),
		Version:        o.Version,
		TotalAmount:    o.TotalAmount.StringFixed(2),
		OccurredAt:     o.UpdatedAt,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order event payload: %w", err)
	}

	evt, err := outbox.NewEvent(eventType, o.ID, raw)
	if err != nil {
		return nil, fmt.Errorf("build order event: %w", err)
	}

	return evt, nil
}
