package rabbitmq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format for order events, both outbound and inbound.
type Envelope struct {
	MessageID   string          `json:"messageId"`
	AggregateID string          `json:"aggregateId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EncodeEnvelope serializes an envelope to the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return raw, nil
}

// DecodeEnvelope parses and validates a wire message.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrEnvelopeMalformed, err)
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	return env, nil
}

// Validate checks the envelope's required fields.
func (env Envelope) Validate() error {
	if strings.TrimSpace(env.MessageID) == "" {
		return fmt.Errorf("%w: messageId", ErrEnvelopeFieldMissing)
	}

	if _, err := uuid.Parse(env.AggregateID); err != nil {
		return fmt.Errorf("%w: aggregateId: %w", ErrEnvelopeFieldMissing, err)
	}

	if strings.TrimSpace(env.EventType) == "" {
		return fmt.Errorf("%w: eventType", ErrEnvelopeFieldMissing)
	}

	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: payload", ErrEnvelopeFieldMissing)
	}

	return nil
}
