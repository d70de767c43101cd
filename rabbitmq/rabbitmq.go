// Package rabbitmq provides the broker transport for order events: a managed
// AMQP connection, the order exchange/queue topology, and a confirm-mode
// publisher used by the outbox drain loop.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/douglas-dreer/manager-order/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrURIRequired is returned when no broker URI was configured.
	ErrURIRequired = errors.New("rabbitmq uri is required")
	// ErrChannelRequired is returned when a channel is needed but absent.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
	// ErrEnvelopeMalformed is returned for wire messages that are not valid JSON.
	ErrEnvelopeMalformed = errors.New("message envelope is malformed")
	// ErrEnvelopeFieldMissing is returned when a required envelope field is absent.
	ErrEnvelopeFieldMissing = errors.New("message envelope field missing or invalid")
)

// Connection is a hub which deals with a single rabbitmq connection and its
// default channel. Safe for concurrent use.
type Connection struct {
	mu         sync.Mutex
	URI        string `json:"-"`
	Connection *amqp.Connection
	Channel    *amqp.Channel
	Logger     log.Logger
	Connected  bool

	dialer         func(string) (*amqp.Connection, error)
	channelFactory func(*amqp.Connection) (*amqp.Channel, error)
}

func (rc *Connection) applyDefaults() error {
	if rc.URI == "" {
		return ErrURIRequired
	}

	if rc.Logger == nil {
		rc.Logger = log.NewNop()
	}

	if rc.dialer == nil {
		rc.dialer = amqp.Dial
	}

	if rc.channelFactory == nil {
		rc.channelFactory = func(conn *amqp.Connection) (*amqp.Channel, error) {
			return conn.Channel()
		}
	}

	return nil
}

// Connect establishes the connection and opens the default channel.
func (rc *Connection) Connect() error {
	return rc.ConnectContext(context.Background())
}

// ConnectContext establishes the connection and opens the default channel.
func (rc *Connection) ConnectContext(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.applyDefaults(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	if rc.Connected && rc.Connection != nil && !rc.Connection.IsClosed() {
		return nil
	}

	rc.Logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := rc.dialer(rc.URI)
	if err != nil {
		rc.Logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.Err(err))

		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := rc.channelFactory(conn)
	if err != nil {
		_ = conn.Close()

		rc.Logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	rc.Connection = conn
	rc.Channel = ch
	rc.Connected = true

	rc.Logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// EnsureChannel returns the default channel, reconnecting if the connection
// or channel was lost.
func (rc *Connection) EnsureChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	rc.mu.Lock()
	healthy := rc.Connected &&
		rc.Connection != nil && !rc.Connection.IsClosed() &&
		rc.Channel != nil && !rc.Channel.IsClosed()
	ch := rc.Channel
	rc.mu.Unlock()

	if healthy {
		return ch, nil
	}

	if err := rc.ConnectContext(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	ch = rc.Channel
	rc.mu.Unlock()

	return ch, nil
}

// NewChannel opens a dedicated channel on the current connection, for
// consumers and confirm-mode publishers that must not share the default
// channel.
func (rc *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if _, err := rc.EnsureChannel(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.Connection
	factory := rc.channelFactory
	rc.mu.Unlock()

	ch, err := factory(conn)
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// Close shuts down the channel and connection.
func (rc *Connection) Close() error {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	var errs []error

	if rc.Channel != nil && !rc.Channel.IsClosed() {
		if err := rc.Channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if rc.Connection != nil && !rc.Connection.IsClosed() {
		if err := rc.Connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	rc.Connected = false
	rc.Channel = nil
	rc.Connection = nil

	return errors.Join(errs...)
}
