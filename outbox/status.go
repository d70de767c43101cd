package outbox

import "fmt"

// Status represents a valid outbox event lifecycle state. PROCESSING is the
// claim lease: a publisher instance owns the event until it marks an outcome
// or the lease expires and the event is reclaimed.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. FAILED is terminal for the publisher loop but accepts an operator
// replay back to PENDING.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPending || next == StatusPublished || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	case StatusPublished:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
