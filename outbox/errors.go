package outbox

import "errors"

var (
	ErrEventRequired       = errors.New("outbox event is required")
	ErrEventTypeRequired   = errors.New("event type is required")
	ErrAggregateIDRequired = errors.New("aggregate id is required")
	ErrPayloadRequired     = errors.New("outbox event payload is required")
	ErrPayloadTooLarge     = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON      = errors.New("outbox event payload must be valid JSON (stored as JSONB)")
	ErrRepositoryRequired  = errors.New("outbox repository is required")
	ErrBrokerRequired      = errors.New("broker publisher is required")
	ErrPublisherRequired   = errors.New("outbox publisher is required")
	ErrPublisherRunning    = errors.New("outbox publisher is already running")
	ErrStatusInvalid       = errors.New("invalid outbox status")
	ErrEventNotFound       = errors.New("outbox event not found")
	ErrEventNotFailed      = errors.New("outbox event is not in FAILED status")
)
