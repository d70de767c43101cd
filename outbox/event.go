// Package outbox implements the transactional outbox: events written in the
// same transaction as the state change they describe, drained to the broker
// by a periodic publisher with at-least-once delivery and per-aggregate
// ordering.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds the stored payload size.
const MaxPayloadBytes = 1 << 20

// Event is one durable state change awaiting delivery to the broker.
type Event struct {
	ID            uuid.UUID
	EventType     string
	AggregateID   uuid.UUID
	Payload       []byte
	Status        Status
	Attempts      int
	NextAttemptAt *time.Time
	ClaimedAt     *time.Time
	PublishedAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewEvent creates a valid outbox event initialized as pending.
func NewEvent(eventType string, aggregateID uuid.UUID, payload []byte) (*Event, error) {
	return NewEventWithID(uuid.New(), eventType, aggregateID, payload)
}

// NewEventWithID creates a valid outbox event initialized as pending using a
// caller-provided ID.
func NewEventWithID(eventID uuid.UUID, eventType string, aggregateID uuid.UUID, payload []byte) (*Event, error) {
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("outbox event id: %w", ErrEventRequired)
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if aggregateID == uuid.Nil {
		return nil, ErrAggregateIDRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:          eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// RoutingKey derives the broker routing key from the event type:
// "OrderConfirmed" becomes "order.confirmed".
func (event *Event) RoutingKey() string {
	return RoutingKeyFor(event.EventType)
}

// RoutingKeyFor converts a CamelCase event type to a dotted lowercase
// routing key.
func RoutingKeyFor(eventType string) string {
	if eventType == "" {
		return ""
	}

	var b strings.Builder

	b.Grow(len(eventType) + 4)

	for i, r := range eventType {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('.')
			}

			b.WriteRune(r + ('a' - 'A'))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
