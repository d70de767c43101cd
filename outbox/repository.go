package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence operations the publisher drains events
// through. Implementations must make ClaimPending safe under concurrent
// publisher instances: claimed rows move to PROCESSING atomically so no two
// instances hold the same event, while delivery overall stays at-least-once.
type Repository interface {
	// ClaimPending selects up to limit due pending events ordered by
	// (aggregate_id, created_at) ascending, marks them PROCESSING, and
	// returns them. Events whose aggregate still has an earlier unpublished
	// event are not claimable.
	ClaimPending(ctx context.Context, limit int) ([]*Event, error)

	// MarkPublished transitions a PROCESSING event to PUBLISHED.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// Reschedule returns a PROCESSING event to PENDING with an incremented
	// attempt count and a backoff deadline before which it is not claimable.
	Reschedule(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error

	// MarkFailed transitions a PROCESSING event to terminal FAILED with an
	// incremented attempt count. FAILED rows stay queryable and replayable.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// Release returns a PROCESSING event to PENDING without counting an
	// attempt, used when a cycle stops before trying the event.
	Release(ctx context.Context, id uuid.UUID) error

	// ReclaimStuck returns PROCESSING events whose claim is older than
	// processingBefore to PENDING, covering publisher crashes mid-cycle.
	ReclaimStuck(ctx context.Context, limit int, processingBefore time.Time) (int, error)

	// ReplayFailed resets a FAILED event to PENDING with a cleared attempt
	// count for re-dispatch.
	ReplayFailed(ctx context.Context, id uuid.UUID) error
}

// Broker delivers one event to the message broker. Implementations publish
// to the routing key derived from the event type and return only after the
// broker has confirmed the message.
type Broker interface {
	Publish(ctx context.Context, event *Event) error
}

// Guard wraps broker calls with timeout, retry, and circuit breaking.
type Guard interface {
	Execute(ctx context.Context, dependency string, fn func(context.Context) error) error
}
