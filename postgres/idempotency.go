package postgres

import (
	"context"
	"time"
)

// RecordIdempotency inserts the dedup marker for an inbound message. Run it
// inside the same transaction as the state change it guards; a duplicate
// message id returns ErrAlreadyProcessed and rolls the whole scope back.
func (gw *Gateway) RecordIdempotency(ctx context.Context, messageID string) error {
	if messageID == "" {
		return ErrMessageIDRequired
	}

	q := gw.querier(ctx)

	_, err := q.ExecContext(ctx,
		"INSERT INTO idempotency_records (message_id, processed_at) VALUES ($1, $2)",
		messageID, time.Now().UTC(),
	)
	if isUniqueViolation(err, "") {
		return ErrAlreadyProcessed
	}

	if err != nil {
		return persistence("record idempotency", err)
	}

	return nil
}

// IsProcessed reports whether the message id is already in the ledger.
func (gw *Gateway) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrMessageIDRequired
	}

	q := gw.querier(ctx)

	var exists bool

	err := q.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM idempotency_records WHERE message_id = $1)",
		messageID,
	).Scan(&exists)
	if err != nil {
		return false, persistence("check idempotency", err)
	}

	return exists, nil
}
