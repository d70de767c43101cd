package order

import "fmt"

// Command is a member of the closed set of order lifecycle commands. The set
// is matched exhaustively: an unrecognized command is rejected, never
// dispatched dynamically.
type Command string

const (
	CommandConfirm           Command = "confirm"
	CommandRecordPayment     Command = "recordPayment"
	CommandFulfill           Command = "fulfill"
	CommandComplete          Command = "complete"
	CommandCancel            Command = "cancel"
	CommandFailIrrecoverably Command = "failIrrecoverably"
)

// ParseCommand validates and converts a raw string command.
func ParseCommand(raw string) (Command, error) {
	cmd := Command(raw)

	if !cmd.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrCommandUnknown, raw)
	}

	return cmd, nil
}

// IsValid reports whether the command is part of the closed set.
func (cmd Command) IsValid() bool {
	switch cmd {
	case CommandConfirm, CommandRecordPayment, CommandFulfill,
		CommandComplete, CommandCancel, CommandFailIrrecoverably:
		return true
	default:
		return false
	}
}

// AllowedFrom reports whether the command is accepted from the given status.
// Terminal statuses accept no command at all.
func (cmd Command) AllowedFrom(status Status) bool {
	if status.IsTerminal() {
		return false
	}

	switch cmd {
	case CommandConfirm:
		return status == StatusCreated
	case CommandRecordPayment:
		return status == StatusConfirmed
	case CommandFulfill:
		return status == StatusPaid
	case CommandComplete:
		return status == StatusFulfilled
	case CommandCancel:
		return status == StatusCreated || status == StatusConfirmed || status == StatusPaid
	case CommandFailIrrecoverably:
		return true
	default:
		return false
	}
}

// Target returns the status the command transitions to when accepted.
func (cmd Command) Target() Status {
	switch cmd {
	case CommandConfirm:
		return StatusConfirmed
	case CommandRecordPayment:
		return StatusPaid
	case CommandFulfill:
		return StatusFulfilled
	case CommandComplete:
		return StatusCompleted
	case CommandCancel:
		return StatusCancelled
	case CommandFailIrrecoverably:
		return StatusFailed
	default:
		return ""
	}
}

// EventType returns the outbox event type emitted when the command is
// accepted, e.g. CommandConfirm emits "OrderConfirmed".
func (cmd Command) EventType() string {
	switch cmd {
	case CommandConfirm:
		return "OrderConfirmed"
	case CommandRecordPayment:
		return "OrderPaid"
	case CommandFulfill:
		return "OrderFulfilled"
	case CommandComplete:
		return "OrderCompleted"
	case CommandCancel:
		return "OrderCancelled"
	case CommandFailIrrecoverably:
		return "OrderFailed"
	default:
		return ""
	}
}

func (cmd Command) String() string {
	return string(cmd)
}
