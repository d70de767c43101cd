//go:build unit

package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type declaredBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeTopologyChannel struct {
	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []declaredBinding

	exchangeErr error
	queueErr    map[string]error
}

func (ch *fakeTopologyChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if ch.exchangeErr != nil {
		return ch.exchangeErr
	}

	ch.exchanges = append(ch.exchanges, declaredExchange{name: name, kind: kind, durable: durable})

	return nil
}

func (ch *fakeTopologyChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.queueErr[name]; err != nil {
		return amqp.Queue{}, err
	}

	ch.queues = append(ch.queues, declaredQueue{name: name, durable: durable, args: args})

	return amqp.Queue{Name: name}, nil
}

func (ch *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.bindings = append(ch.bindings, declaredBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func TestDeclareTopology(t *testing.T) {
	ch := &fakeTopologyChannel{}

	require.NoError(t, DeclareTopology(ch))

	require.Len(t, ch.exchanges, 2)
	assert.Equal(t, declaredExchange{name: "ex.orders.main", kind: "topic", durable: true}, ch.exchanges[0])
	assert.Equal(t, declaredExchange{name: "ex.orders.dlx", kind: "topic", durable: true}, ch.exchanges[1])

	require.Len(t, ch.queues, 2)

	importQueue := ch.queues[0]
	assert.Equal(t, "q.orders.import", importQueue.name)
	assert.True(t, importQueue.durable)
	assert.Equal(t, "ex.orders.dlx", importQueue.args["x-dead-letter-exchange"])
	assert.Equal(t, "order.error", importQueue.args["x-dead-letter-routing-key"])

	dlq := ch.queues[1]
	assert.Equal(t, "q.orders.import.dlq", dlq.name)
	assert.True(t, dlq.durable)
	assert.Nil(t, dlq.args)

	require.Len(t, ch.bindings, 2)
	assert.Equal(t, declaredBinding{queue: "q.orders.import", key: "order.#", exchange: "ex.orders.main"}, ch.bindings[0])
	assert.Equal(t, declaredBinding{queue: "q.orders.import.dlq", key: "order.error", exchange: "ex.orders.dlx"}, ch.bindings[1])
}

func TestDeclareTopologyDLQOptions(t *testing.T) {
	ch := &fakeTopologyChannel{}

	require.NoError(t, DeclareTopology(ch,
		WithDLQMessageTTL(24*time.Hour),
		WithDLQMaxLength(10000),
	))

	require.Len(t, ch.queues, 2)
	dlq := ch.queues[1]
	assert.Equal(t, int64(24*time.Hour/time.Millisecond), dlq.args["x-message-ttl"])
	assert.Equal(t, int64(10000), dlq.args["x-max-length"])
}

func TestDeclareTopologyNilChannel(t *testing.T) {
	assert.ErrorIs(t, DeclareTopology(nil), ErrChannelRequired)
}

func TestDeclareTopologyPropagatesErrors(t *testing.T) {
	boom := errors.New("access refused")

	ch := &fakeTopologyChannel{exchangeErr: boom}
	assert.ErrorIs(t, DeclareTopology(ch), boom)

	ch = &fakeTopologyChannel{queueErr: map[string]error{"q.orders.import": boom}}
	assert.ErrorIs(t, DeclareTopology(ch), boom)
}
