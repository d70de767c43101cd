package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/douglas-dreer/manager-order/outbox"
	"github.com/google/uuid"
)

const outboxColumns = "id, event_type, aggregate_id, payload, status, attempts, " +
	"next_attempt_at, claimed_at, published_at, last_error, created_at, updated_at"

var _ outbox.Repository = (*Gateway)(nil)

// InsertOutboxEvent persists an event inside the caller's transaction so it
// commits atomically with the state change it describes.
func (gw *Gateway) InsertOutboxEvent(ctx context.Context, evt *outbox.Event) error {
	if evt == nil {
		return outbox.ErrEventRequired
	}

	q := gw.querier(ctx)

	_, err := q.ExecContext(ctx,
		`INSERT INTO outbox_events (`+outboxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		evt.ID, evt.EventType, evt.AggregateID, evt.Payload, evt.Status, evt.Attempts,
		evt.NextAttemptAt, evt.ClaimedAt, evt.PublishedAt, evt.LastError, evt.CreatedAt, evt.UpdatedAt,
	)
	if err != nil {
		return persistence("insert outbox event", err)
	}

	return nil
}

// ClaimPending selects up to limit due pending events and marks them
// PROCESSING in one transaction. FOR UPDATE SKIP LOCKED keeps concurrent
// publisher instances from claiming the same rows. An aggregate with an
// earlier unresolved event is skipped entirely so its events reach the
// broker in creation order.
func (gw *Gateway) ClaimPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	var claimed []*outbox.Event

	err := gw.WithinTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()

		events, err := gw.lockClaimableRows(ctx, limit, now)
		if err != nil {
			return err
		}

		if len(events) == 0 {
			claimed = events

			return nil
		}

		if err := gw.markEventsProcessing(ctx, collectEventIDs(events), now); err != nil {
			return err
		}

		for _, evt := range events {
			evt.Status = outbox.StatusProcessing
			claimedAt := now
			evt.ClaimedAt = &claimedAt
			evt.UpdatedAt = now
		}

		claimed = events

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}

	return claimed, nil
}

func (gw *Gateway) lockClaimableRows(ctx context.Context, limit int, now time.Time) ([]*outbox.Event, error) {
	q := gw.querier(ctx)

	rows, err := q.QueryContext(ctx,
		`SELECT `+prefixColumns("e", outboxColumns)+`
		 FROM outbox_events e
		 WHERE e.status = $1
		   AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= $2)
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox_events prior
		       WHERE prior.aggregate_id = e.aggregate_id
		         AND prior.created_at < e.created_at
		         AND prior.status IN ($1, $3)
		   )
		 ORDER BY e.aggregate_id ASC, e.created_at ASC
		 LIMIT $4
		 FOR UPDATE OF e SKIP LOCKED`,
		outbox.StatusPending, now, outbox.StatusProcessing, limit,
	)
	if err != nil {
		return nil, persistence("query claimable events", err)
	}

	defer rows.Close()

	return scanOutboxEvents(rows)
}

func (gw *Gateway) markEventsProcessing(ctx context.Context, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	q := gw.querier(ctx)

	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, outbox.StatusProcessing, now)

	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	_, err := q.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, claimed_at = $2, updated_at = $2
		 WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return persistence("mark events processing", err)
	}

	return nil
}

// MarkPublished transitions a PROCESSING event to PUBLISHED.
func (gw *Gateway) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	return gw.transitionFromProcessing(ctx, id,
		`UPDATE outbox_events
		 SET status = $1, published_at = $2, claimed_at = NULL, last_error = '', updated_at = $3
		 WHERE id = $4 AND status = $5`,
		outbox.StatusPublished, publishedAt, time.Now().UTC(), id, outbox.StatusProcessing,
	)
}

// Reschedule returns a PROCESSING event to PENDING, counting the attempt and
// setting the backoff deadline.
func (gw *Gateway) Reschedule(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	return gw.transitionFromProcessing(ctx, id,
		`UPDATE outbox_events
		 SET status = $1, attempts = attempts + 1, last_error = $2,
		     next_attempt_at = $3, claimed_at = NULL, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		outbox.StatusPending, truncateError(errMsg), nextAttemptAt, time.Now().UTC(), id, outbox.StatusProcessing,
	)
}

// MarkFailed transitions a PROCESSING event to terminal FAILED, counting the
// attempt. The row stays queryable for ReplayFailed.
func (gw *Gateway) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	return gw.transitionFromProcessing(ctx, id,
		`UPDATE outbox_events
		 SET status = $1, attempts = attempts + 1, last_error = $2, claimed_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		outbox.StatusFailed, truncateError(errMsg), time.Now().UTC(), id, outbox.StatusProcessing,
	)
}

// Release returns a PROCESSING event to PENDING without counting an attempt.
func (gw *Gateway) Release(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	return gw.transitionFromProcessing(ctx, id,
		`UPDATE outbox_events
		 SET status = $1, claimed_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		outbox.StatusPending, time.Now().UTC(), id, outbox.StatusProcessing,
	)
}

func (gw *Gateway) transitionFromProcessing(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	q := gw.querier(ctx)

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence("update outbox event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence("outbox rows affected", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: event %s is not PROCESSING", ErrStateTransitionConflict, id)
	}

	return nil
}

// ReclaimStuck returns PROCESSING events claimed before processingBefore to
// PENDING, covering publisher instances that died mid-cycle.
func (gw *Gateway) ReclaimStuck(ctx context.Context, limit int, processingBefore time.Time) (int, error) {
	if limit <= 0 {
		return 0, ErrLimitMustBePositive
	}

	q := gw.querier(ctx)

	result, err := q.ExecContext(ctx,
		`UPDATE outbox_events SET status = $1, claimed_at = NULL, updated_at = $2
		 WHERE id IN (
		     SELECT id FROM outbox_events
		     WHERE status = $3 AND claimed_at IS NOT NULL AND claimed_at < $4
		     ORDER BY claimed_at ASC
		     LIMIT $5
		     FOR UPDATE SKIP LOCKED
		 )`,
		outbox.StatusPending, time.Now().UTC(), outbox.StatusProcessing, processingBefore, limit,
	)
	if err != nil {
		return 0, persistence("reclaim stuck events", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, persistence("reclaim rows affected", err)
	}

	return int(affected), nil
}

// ReplayFailed resets a FAILED event to PENDING with a cleared attempt count
// so the publisher picks it up again.
func (gw *Gateway) ReplayFailed(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	q := gw.querier(ctx)

	result, err := q.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = $1, attempts = 0, last_error = '', next_attempt_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		outbox.StatusPending, time.Now().UTC(), id, outbox.StatusFailed,
	)
	if err != nil {
		return persistence("replay failed event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence("replay rows affected", err)
	}

	if affected == 1 {
		return nil
	}

	var status string

	err = q.QueryRowContext(ctx, "SELECT status FROM outbox_events WHERE id = $1", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.ErrEventNotFound
	}

	if err != nil {
		return persistence("read event status", err)
	}

	return fmt.Errorf("%w: event %s is %s", outbox.ErrEventNotFailed, id, status)
}

func scanOutboxEvents(rows *sql.Rows) ([]*outbox.Event, error) {
	var events []*outbox.Event

	for rows.Next() {
		var (
			evt           outbox.Event
			nextAttemptAt sql.NullTime
			claimedAt     sql.NullTime
			publishedAt   sql.NullTime
			lastError     sql.NullString
		)

		err := rows.Scan(
			&evt.ID, &evt.EventType, &evt.AggregateID, &evt.Payload, &evt.Status, &evt.Attempts,
			&nextAttemptAt, &claimedAt, &publishedAt, &lastError, &evt.CreatedAt, &evt.UpdatedAt,
		)
		if err != nil {
			return nil, persistence("scan outbox event", err)
		}

		if nextAttemptAt.Valid {
			evt.NextAttemptAt = &nextAttemptAt.Time
		}

		if claimedAt.Valid {
			evt.ClaimedAt = &claimedAt.Time
		}

		if publishedAt.Valid {
			evt.PublishedAt = &publishedAt.Time
		}

		evt.LastError = lastError.String

		events = append(events, &evt)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence("iterate outbox events", err)
	}

	return events, nil
}

func collectEventIDs(events []*outbox.Event) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(events))

	for _, evt := range events {
		if evt != nil {
			ids = append(ids, evt.ID)
		}
	}

	return ids
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")

	for i, part := range parts {
		parts[i] = alias + "." + part
	}

	return strings.Join(parts, ", ")
}

const maxStoredErrorLength = 2048

func truncateError(errMsg string) string {
	if len(errMsg) <= maxStoredErrorLength {
		return errMsg
	}

	return errMsg[:maxStoredErrorLength]
}
