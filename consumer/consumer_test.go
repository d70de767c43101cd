//go:build unit

package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/douglas-dreer/manager-order/order"
	"github.com/douglas-dreer/manager-order/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu        sync.Mutex
	processed map[string]bool
	recorded  []string

	isProcessedErr error
	recordErr      error
	txErr          error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{processed: make(map[string]bool)}
}

func (l *fakeLedger) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.txErr != nil {
		return l.txErr
	}

	// Roll back the marker when fn fails, like the real transaction does.
	l.mu.Lock()
	before := len(l.recorded)
	l.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		l.mu.Lock()
		for _, id := range l.recorded[before:] {
			delete(l.processed, id)
		}
		l.recorded = l.recorded[:before]
		l.mu.Unlock()
	}

	return err
}

func (l *fakeLedger) IsProcessed(_ context.Context, messageID string) (bool, error) {
	if l.isProcessedErr != nil {
		return false, l.isProcessedErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.processed[messageID], nil
}

func (l *fakeLedger) RecordIdempotency(_ context.Context, messageID string) error {
	if l.recordErr != nil {
		return l.recordErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.processed[messageID] = true
	l.recorded = append(l.recorded, messageID)

	return nil
}

type appliedCall struct {
	orderID uuid.UUID
	cmd     order.Command
	version int64
}

type fakeApplier struct {
	mu     sync.Mutex
	calls  []appliedCall
	err    error
	result *order.Order
}

func (a *fakeApplier) Apply(_ context.Context, orderID uuid.UUID, cmd order.Command, expectedVersion int64) (*order.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, appliedCall{orderID: orderID, cmd: cmd, version: expectedVersion})

	if a.err != nil {
		return nil, a.err
	}

	return a.result, nil
}

func newTestConsumer(t *testing.T, ledger Ledger, applier Applier, opts ...Option) *Consumer {
	t.Helper()

	consumer, err := New(&rabbitmq.Connection{}, ledger, applier, opts...)
	require.NoError(t, err)

	consumer.wait = func(context.Context, time.Duration) error { return nil }

	return consumer
}

func envelopeBody(t *testing.T, messageID, eventType string, aggregateID uuid.UUID) []byte {
	t.Helper()

	body, err := rabbitmq.EncodeEnvelope(rabbitmq.Envelope{
		MessageID:   messageID,
		AggregateID: aggregateID.String(),
		EventType:   eventType,
		Payload:     []byte(`{"status":"CONFIRMED"}`),
		OccurredAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	return body
}

func TestNewValidation(t *testing.T) {
	ledger := newFakeLedger()
	applier := &fakeApplier{}

	_, err := New(nil, ledger, applier)
	assert.ErrorIs(t, err, ErrConnectionRequired)

	_, err = New(&rabbitmq.Connection{}, nil, applier)
	assert.ErrorIs(t, err, ErrLedgerRequired)

	_, err = New(&rabbitmq.Connection{}, ledger, nil)
	assert.ErrorIs(t, err, ErrApplierRequired)
}

func TestProcessAppliesCommandAndRecordsMarker(t *testing.T) {
	ledger := newFakeLedger()
	applier := &fakeApplier{}
	consumer := newTestConsumer(t, ledger, applier)

	orderID := uuid.New()
	body := envelopeBody(t, "msg-1", "StockReserved", orderID)

	decision := consumer.Process(context.Background(), body, 1)

	assert.Equal(t, DecisionAck, decision)
	require.Len(t, applier.calls, 1)
	assert.Equal(t, orderID, applier.calls[0].orderID)
	assert.Equal(t, order.CommandConfirm, applier.calls[0].cmd)
	assert.Equal(t, order.AnyVersion, applier.calls[0].version)
	assert.Equal(t, []string{"msg-1"}, ledger.recorded)
}

func TestProcessDuplicateIsAckedWithoutEffect(t *testing.T) {
	ledger := newFakeLedger()
	ledger.processed["msg-1"] = true

	applier := &fakeApplier{}
	consumer := newTestConsumer(t, ledger, applier)

	body := envelopeBody(t, "msg-1", "StockReserved", uuid.New())

	decision := consumer.Process(context.Background(), body, 2)

	assert.Equal(t, DecisionAck, decision)
	assert.Empty(t, applier.calls, "duplicate must not reach the applier")
}

func TestProcessMalformedMessageIsAcked(t *testing.T) {
	applier := &fakeApplier{}
	consumer := newTestConsumer(t, newFakeLedger(), applier)

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("garbage")},
		{"missing message id", []byte(`{"aggregateId":"` + uuid.NewString() + `","eventType":"StockReserved","payload":{}}`)},
		{"aggregate id not uuid", []byte(`{"messageId":"m","aggregateId":"not-a-uuid","eventType":"StockReserved","payload":{}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := consumer.Process(context.Background(), tt.body, 1)
			assert.Equal(t, DecisionAck, decision)
		})
	}

	assert.Empty(t, applier.calls)
}

func TestProcessUnknownEventTypeIsAcked(t *testing.T) {
	ledger := newFakeLedger()
	applier := &fakeApplier{}
	consumer := newTestConsumer(t, ledger, applier)

	body := envelopeBody(t, "msg-1", "InvoicePrinted", uuid.New())

	decision := consumer.Process(context.Background(), body, 1)

	assert.Equal(t, DecisionAck, decision)
	assert.Empty(t, applier.calls)
	assert.Empty(t, ledger.recorded, "unknown type is discarded before the ledger")
}

func TestProcessInvalidTransitionIsAcked(t *testing.T) {
	ledger := newFakeLedger()
	orderID := uuid.New()
	applier := &fakeApplier{err: &order.InvalidTransitionError{
		OrderID: orderID,
		From:    order.StatusCompleted,
		Command: order.CommandConfirm,
	}}
	consumer := newTestConsumer(t, ledger, applier)

	body := envelopeBody(t, "msg-1", "StockReserved", orderID)

	decision := consumer.Process(context.Background(), body, 1)

	assert.Equal(t, DecisionAck, decision)
	assert.Empty(t, ledger.recorded, "rejected command rolls the marker back with it")
}

func TestProcessTransientFailureRetriesThenDeadLetters(t *testing.T) {
	ledger := newFakeLedger()
	applier := &fakeApplier{err: errors.New("connection reset")}
	consumer := newTestConsumer(t, ledger, applier, WithMaxRedeliveries(3))

	body := envelopeBody(t, "msg-1", "StockReserved", uuid.New())

	assert.Equal(t, DecisionRetry, consumer.Process(context.Background(), body, 1))
	assert.Equal(t, DecisionRetry, consumer.Process(context.Background(), body, 2))
	assert.Equal(t, DecisionDeadLetter, consumer.Process(context.Background(), body, 3))

	assert.Empty(t, ledger.recorded, "failed attempts must not leave a dedup marker")
}

func TestProcessTransientFailureWaitsBeforeRequeue(t *testing.T) {
	ledger := newFakeLedger()
	applier := &fakeApplier{err: errors.New("connection reset")}

	consumer, err := New(&rabbitmq.Connection{}, ledger, applier,
		WithRetryBackoff(80*time.Millisecond),
		WithMaxRedeliveries(3),
	)
	require.NoError(t, err)

	var waits []time.Duration

	consumer.wait = func(_ context.Context, duration time.Duration) error {
		waits = append(waits, duration)

		return nil
	}

	body := envelopeBody(t, "msg-1", "StockReserved", uuid.New())

	assert.Equal(t, DecisionRetry, consumer.Process(context.Background(), body, 1))
	assert.Equal(t, DecisionRetry, consumer.Process(context.Background(), body, 2))

	require.Len(t, waits, 2, "every requeue must be paced")
	assert.GreaterOrEqual(t, waits[0], time.Duration(0))
	assert.Less(t, waits[0], 80*time.Millisecond, "first attempt jitters within the base")
	assert.Less(t, waits[1], 160*time.Millisecond, "second attempt jitters within twice the base")

	// Exhausting the budget dead-letters without pacing.
	assert.Equal(t, DecisionDeadLetter, consumer.Process(context.Background(), body, 3))
	assert.Len(t, waits, 2)
}

func TestProcessPermanentFailureDoesNotWait(t *testing.T) {
	ledger := newFakeLedger()
	consumer := newTestConsumer(t, ledger, &fakeApplier{})

	waited := false

	consumer.wait = func(context.Context, time.Duration) error {
		waited = true

		return nil
	}

	body := envelopeBody(t, "msg-1", "InvoicePrinted", uuid.New())

	assert.Equal(t, DecisionAck, consumer.Process(context.Background(), body, 1))
	assert.False(t, waited, "permanent failures ack immediately")
}

func TestProcessLedgerLookupFailureRetries(t *testing.T) {
	ledger := newFakeLedger()
	ledger.isProcessedErr = errors.New("connection refused")

	consumer := newTestConsumer(t, ledger, &fakeApplier{})

	body := envelopeBody(t, "msg-1", "StockReserved", uuid.New())

	assert.Equal(t, DecisionRetry, consumer.Process(context.Background(), body, 1))
}

func TestProcessMarkerAndApplyCommitTogether(t *testing.T) {
	ledger := newFakeLedger()
	applier := &fakeApplier{err: errors.New("deadlock detected")}
	consumer := newTestConsumer(t, ledger, applier)

	body := envelopeBody(t, "msg-1", "StockReserved", uuid.New())

	decision := consumer.Process(context.Background(), body, 1)

	assert.Equal(t, DecisionRetry, decision)
	assert.False(t, ledger.processed["msg-1"], "marker rolls back when the apply fails")

	// Retry after the dependency recovers.
	applier.err = nil

	decision = consumer.Process(context.Background(), body, 2)

	assert.Equal(t, DecisionAck, decision)
	assert.True(t, ledger.processed["msg-1"])
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		eventType string
		cmd       order.Command
		known     bool
	}{
		{"StockReserved", order.CommandConfirm, true},
		{"PaymentRecorded", order.CommandRecordPayment, true},
		{"OrderShipped", order.CommandFulfill, true},
		{"OrderDelivered", order.CommandComplete, true},
		{"OrderCancellationRequested", order.CommandCancel, true},
		{"OrderProcessingFailed", order.CommandFailIrrecoverably, true},
		{"SomethingElse", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		cmd, known := CommandFor(tt.eventType)
		assert.Equal(t, tt.known, known, tt.eventType)
		assert.Equal(t, tt.cmd, cmd, tt.eventType)
	}
}

func TestDeliveryAttempts(t *testing.T) {
	assert.Equal(t, 1, deliveryAttempts(amqp.Delivery{}))
	assert.Equal(t, 2, deliveryAttempts(amqp.Delivery{Redelivered: true}))
	assert.Equal(t, 4, deliveryAttempts(amqp.Delivery{
		Headers: amqp.Table{"x-delivery-count": int64(3)},
	}))
	assert.Equal(t, 3, deliveryAttempts(amqp.Delivery{
		Headers: amqp.Table{"x-delivery-count": int32(2)},
	}))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "ack", DecisionAck.String())
	assert.Equal(t, "retry", DecisionRetry.String())
	assert.Equal(t, "dead-letter", DecisionDeadLetter.String())
	assert.Equal(t, "unknown", Decision(42).String())
}

func TestConfigNormalizeAppliesDefaults(t *testing.T) {
	cfg := Config{}
	cfg.normalize()

	defaults := DefaultConfig()
	assert.Equal(t, defaults, cfg)
}
