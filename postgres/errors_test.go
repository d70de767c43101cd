//go:build unit

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	uniqueErr := &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "orders_external_id_key"}

	assert.True(t, isUniqueViolation(uniqueErr, ""))
	assert.True(t, isUniqueViolation(uniqueErr, "orders_external_id_key"))
	assert.False(t, isUniqueViolation(uniqueErr, "other_constraint"))

	wrapped := fmt.Errorf("insert order: %w", uniqueErr)
	assert.True(t, isUniqueViolation(wrapped, "orders_external_id_key"))

	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: codeDeadlockDetected}, ""))
	assert.False(t, isUniqueViolation(errors.New("not a pg error"), ""))
	assert.False(t, isUniqueViolation(nil, ""))
}

func TestIsTransient(t *testing.T) {
	transientCodes := []string{
		codeSerializationFailure,
		codeDeadlockDetected,
		codeTooManyConnections,
		codeAdminShutdown,
		codeCrashShutdown,
		codeCannotConnectNow,
	}

	for _, code := range transientCodes {
		assert.True(t, isTransient(&pgconn.PgError{Code: code}), "code %s", code)
	}

	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(&pgconn.PgError{Code: codeUniqueViolation}))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("syntax error")))

	wrapped := fmt.Errorf("claim events: %w", &pgconn.PgError{Code: codeDeadlockDetected})
	assert.True(t, isTransient(wrapped))
}

func TestPersistenceError(t *testing.T) {
	cause := &pgconn.PgError{Code: codeSerializationFailure}

	err := persistence("save_order", cause)
	require.Error(t, err)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save_order", perr.Op)
	assert.True(t, perr.Transient)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "save_order")

	assert.NoError(t, persistence("noop", nil))

	permanent := persistence("insert", &pgconn.PgError{Code: codeUniqueViolation})
	require.ErrorAs(t, permanent, &perr)
	assert.False(t, perr.Transient)
}

func TestPrefixColumns(t *testing.T) {
	assert.Equal(t, "e.id, e.event_type, e.status",
		prefixColumns("e", "id, event_type, status"))
	assert.Equal(t, "e.id", prefixColumns("e", "id"))
}

func TestTruncateError(t *testing.T) {
	short := "connection refused"
	assert.Equal(t, short, truncateError(short))

	long := strings.Repeat("x", maxStoredErrorLength+100)
	assert.Len(t, truncateError(long), maxStoredErrorLength)
}
