//go:build unit

package rabbitmq

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		MessageID:   uuid.NewString(),
		AggregateID: uuid.NewString(),
		EventType:   "OrderConfirmed",
		Payload:     []byte(`{"status":"CONFIRMED"}`),
		OccurredAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := validEnvelope()

	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, env.AggregateID, decoded.AggregateID)
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	assert.True(t, env.OccurredAt.Equal(decoded.OccurredAt))
}

func TestEncodeEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing message id", func(env *Envelope) { env.MessageID = " " }},
		{"aggregate id not uuid", func(env *Envelope) { env.AggregateID = "order-1" }},
		{"missing event type", func(env *Envelope) { env.EventType = "" }},
		{"missing payload", func(env *Envelope) { env.Payload = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(&env)

			_, err := EncodeEnvelope(env)
			assert.ErrorIs(t, err, ErrEnvelopeFieldMissing)
		})
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json at all"))
	assert.ErrorIs(t, err, ErrEnvelopeMalformed)
}

func TestDecodeEnvelopeMissingFields(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"messageId":"m-1"}`))
	assert.ErrorIs(t, err, ErrEnvelopeFieldMissing)
}
