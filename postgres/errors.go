package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrGatewayNotInitialized    = errors.New("gateway not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrMessageIDRequired        = errors.New("message id is required")
	ErrStateTransitionConflict  = errors.New("outbox event state transition conflict")
	ErrAlreadyProcessed         = errors.New("message already processed")
	ErrConnectionStringRequired = errors.New("connection string is required")
)

// PersistenceError wraps a storage-layer failure. Transient reports whether
// retrying the enclosing transaction may succeed.
type PersistenceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Postgres error codes.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeAdminShutdown        = "57P01"
	codeCrashShutdown        = "57P02"
	codeCannotConnectNow     = "57P03"
)

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally for a specific constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError

	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}

	return constraint == "" || pgErr.ConstraintName == constraint
}

// isTransient reports whether a storage failure is worth retrying in a fresh
// transaction: serialization failures, deadlocks, and connectivity drops.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected,
			codeTooManyConnections, codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow:
			return true
		default:
			return false
		}
	}

	return pgconn.SafeToRetry(err)
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}

	return &PersistenceError{Op: op, Transient: isTransient(err), Err: err}
}
