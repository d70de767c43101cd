package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/douglas-dreer/manager-order/backoff"
	"github.com/douglas-dreer/manager-order/log"
	"github.com/douglas-dreer/manager-order/order"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultTransactionTimeout = 30 * time.Second
	defaultTxMaxRetries       = 3
	defaultTxRetryBackoff     = 50 * time.Millisecond

	orderColumns    = "id, external_id, customer_ref, status, version, total_amount, created_at, updated_at"
	lineItemColumns = "order_id, product_name, quantity, unit_price"

	externalIDConstraint = "orders_external_id_key"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so every query method joins
// the transaction carried by the context or runs on the pool directly.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txContextKey struct{}

// Gateway is the transactional persistence boundary over orders, outbox
// events, and the idempotency ledger.
type Gateway struct {
	db                 *sql.DB
	logger             log.Logger
	tracer             trace.Tracer
	transactionTimeout time.Duration
	txMaxRetries       int
	txRetryBackoff     time.Duration
}

var _ order.Gateway = (*Gateway)(nil)

// GatewayOption configures a Gateway at construction.
type GatewayOption func(*Gateway)

// WithLogger sets a structured logger on the gateway.
func WithLogger(logger log.Logger) GatewayOption {
	return func(gw *Gateway) {
		if logger != nil {
			gw.logger = logger
		}
	}
}

// WithTracer sets the tracer used for transaction spans.
func WithTracer(tracer trace.Tracer) GatewayOption {
	return func(gw *Gateway) {
		if tracer != nil {
			gw.tracer = tracer
		}
	}
}

// WithTransactionTimeout bounds every transaction started by WithinTx.
func WithTransactionTimeout(timeout time.Duration) GatewayOption {
	return func(gw *Gateway) {
		if timeout > 0 {
			gw.transactionTimeout = timeout
		}
	}
}

// WithTxMaxRetries sets how many times a transient transaction failure is
// retried in a fresh transaction before surfacing.
func WithTxMaxRetries(retries int) GatewayOption {
	return func(gw *Gateway) {
		if retries > 0 {
			gw.txMaxRetries = retries
		}
	}
}

// NewGateway creates the gateway over a connected Connection.
func NewGateway(conn *Connection, opts ...GatewayOption) (*Gateway, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	db, err := conn.DB()
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		db:                 db,
		logger:             log.NewNop(),
		tracer:             noop.NewTracerProvider().Tracer("postgres"),
		transactionTimeout: defaultTransactionTimeout,
		txMaxRetries:       defaultTxMaxRetries,
		txRetryBackoff:     defaultTxRetryBackoff,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(gw)
		}
	}

	return gw, nil
}

// querier returns the transaction carried by ctx, or the pool.
func (gw *Gateway) querier(ctx context.Context) DBTX {
	if tx, ok := ctx.Value(txContextKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}

	return gw.db
}

// WithinTx runs fn in a single transaction: commit on nil, rollback on error
// or panic. A ctx already carrying a transaction joins it so nested calls
// share one atomic scope. Transient failures (serialization, deadlock,
// dropped connection) rerun fn in a fresh transaction a bounded number of
// times; domain errors surface immediately.
func (gw *Gateway) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if gw == nil || gw.db == nil {
		return ErrGatewayNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if tx, ok := ctx.Value(txContextKey{}).(*sql.Tx); ok && tx != nil {
		return fn(ctx)
	}

	var lastErr error

	for attempt := 0; attempt < gw.txMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transaction cancelled: %w", err)
		}

		err := gw.runInTx(ctx, fn)
		if err == nil {
			return nil
		}

		lastErr = err

		var pErr *PersistenceError
		if !errors.As(err, &pErr) || !pErr.Transient || attempt == gw.txMaxRetries-1 {
			return err
		}

		delay := backoff.ExponentialWithJitter(gw.txRetryBackoff, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			return fmt.Errorf("transaction retry wait interrupted: %w", waitErr)
		}

		gw.logger.Log(ctx, log.LevelWarn, "retrying transaction after transient failure",
			log.Int("attempt", attempt+1),
			log.Err(err),
		)
	}

	return lastErr
}

func (gw *Gateway) runInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, gw.transactionTimeout)
	defer cancel()

	ctx, span := gw.tracer.Start(ctx, "postgres.transaction")
	defer span.End()

	tx, err := gw.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence("begin", err)
	}

	committed := false

	defer func() {
		if recovered := recover(); recovered != nil {
			_ = tx.Rollback()

			panic(recovered)
		}

		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return persistence("commit", err)
	}

	committed = true

	return nil
}

// LoadOrder reads one order with its line items.
func (gw *Gateway) LoadOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	return gw.loadOrderBy(ctx, "id = $1", id)
}

// LoadOrderByExternalID reads one order by its unique external id.
func (gw *Gateway) LoadOrderByExternalID(ctx context.Context, externalID string) (*order.Order, error) {
	if externalID == "" {
		return nil, order.ErrExternalIDRequired
	}

	return gw.loadOrderBy(ctx, "external_id = $1", externalID)
}

func (gw *Gateway) loadOrderBy(ctx context.Context, where string, arg any) (*order.Order, error) {
	q := gw.querier(ctx)

	row := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg)

	var o order.Order

	err := row.Scan(
		&o.ID, &o.ExternalID, &o.CustomerRef, &o.Status, &o.Version,
		&o.TotalAmount, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}

	if err != nil {
		return nil, persistence("load order", err)
	}

	items, err := gw.loadLineItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	o.LineItems = items

	return &o, nil
}

func (gw *Gateway) loadLineItems(ctx context.Context, orderID uuid.UUID) ([]order.LineItem, error) {
	q := gw.querier(ctx)

	rows, err := q.QueryContext(ctx,
		"SELECT product_name, quantity, unit_price FROM order_line_items WHERE order_id = $1 ORDER BY id ASC",
		orderID,
	)
	if err != nil {
		return nil, persistence("load line items", err)
	}

	defer rows.Close()

	var items []order.LineItem

	for rows.Next() {
		var item order.LineItem

		if err := rows.Scan(&item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, persistence("scan line item", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence("iterate line items", err)
	}

	return items, nil
}

// InsertOrder persists a new order and its line items. A duplicate external
// id returns order.ErrOrderAlreadyExists so the caller can resolve the
// creation race idempotently.
func (gw *Gateway) InsertOrder(ctx context.Context, o *order.Order) error {
	if o == nil {
		return order.ErrOrderRequired
	}

	q := gw.querier(ctx)

	_, err := q.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.ExternalID, o.CustomerRef, o.Status, o.Version,
		o.TotalAmount, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err, externalIDConstraint) {
		return order.ErrOrderAlreadyExists
	}

	if err != nil {
		return persistence("insert order", err)
	}

	for _, item := range o.LineItems {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO order_line_items (`+lineItemColumns+`) VALUES ($1, $2, $3, $4)`,
			o.ID, item.ProductName, item.Quantity, item.UnitPrice,
		); err != nil {
			return persistence("insert line item", err)
		}
	}

	return nil
}

// SaveOrder persists a mutated order under the version check: the update
// applies only where the stored version still equals expectedVersion. A
// mismatch returns ConflictError and writes nothing.
func (gw *Gateway) SaveOrder(ctx context.Context, o *order.Order, expectedVersion int64) error {
	if o == nil {
		return order.ErrOrderRequired
	}

	q := gw.querier(ctx)

	result, err := q.ExecContext(ctx,
		`UPDATE orders SET status = $1, version = $2, total_amount = $3, updated_at = $4
		 WHERE id = $5 AND version = $6`,
		o.Status, o.Version, o.TotalAmount, o.UpdatedAt, o.ID, expectedVersion,
	)
	if err != nil {
		return persistence("save order", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence("save order rows affected", err)
	}

	if affected == 1 {
		return nil
	}

	var actual int64

	err = q.QueryRowContext(ctx, "SELECT version FROM orders WHERE id = $1", o.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return order.ErrOrderNotFound
	}

	if err != nil {
		return persistence("read current version", err)
	}

	return &order.ConflictError{
		OrderID:         o.ID,
		ExpectedVersion: expectedVersion,
		ActualVersion:   actual,
	}
}
