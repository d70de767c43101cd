//go:build unit

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		CallTimeout:         200 * time.Millisecond,
		RetryMaxAttempts:    3,
		RetryBackoffBase:    time.Millisecond,
		MaxRequests:         1,
		CoolDown:            50 * time.Millisecond,
		ConsecutiveFailures: 3,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

func TestGuardRegister(t *testing.T) {
	guard := NewGuard()

	require.NoError(t, guard.Register("payments", testConfig()))
	assert.Equal(t, StateClosed, guard.State("payments"))

	err := guard.Register("", testConfig())
	assert.ErrorIs(t, err, ErrDependencyNameRequired)

	assert.Equal(t, StateUnknown, guard.State("unregistered"))
}

func TestGuardExecuteSuccess(t *testing.T) {
	guard := NewGuard()
	require.NoError(t, guard.Register("payments", testConfig()))

	calls := 0
	err := guard.Execute(context.Background(), "payments", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, guard.IsHealthy("payments"))
}

func TestGuardExecuteRetriesTransientFailure(t *testing.T) {
	guard := NewGuard()
	cfg := testConfig()
	cfg.ConsecutiveFailures = 10
	require.NoError(t, guard.Register("broker", cfg))

	calls := 0
	err := guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestGuardExecuteExhaustsRetries(t *testing.T) {
	guard := NewGuard()
	cfg := testConfig()
	cfg.ConsecutiveFailures = 10
	require.NoError(t, guard.Register("broker", cfg))

	calls := 0
	err := guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	require.ErrorIs(t, err, ErrDependencyUnavailable)
	assert.Equal(t, cfg.RetryMaxAttempts, calls)
}

func TestGuardExecuteOpensAfterConsecutiveFailures(t *testing.T) {
	guard := NewGuard()
	cfg := testConfig()
	cfg.RetryMaxAttempts = 1
	require.NoError(t, guard.Register("broker", cfg))

	for i := 0; i < int(cfg.ConsecutiveFailures); i++ {
		_ = guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
			return errors.New("boom")
		})
	}

	assert.Equal(t, StateOpen, guard.State("broker"))

	calls := 0
	err := guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open breaker must short-circuit without invoking the call")
}

func TestGuardExecuteRecoversAfterCoolDown(t *testing.T) {
	guard := NewGuard()
	cfg := testConfig()
	cfg.RetryMaxAttempts = 1
	require.NoError(t, guard.Register("broker", cfg))

	for i := 0; i < int(cfg.ConsecutiveFailures); i++ {
		_ = guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
			return errors.New("boom")
		})
	}

	require.Equal(t, StateOpen, guard.State("broker"))
	require.NoError(t, WaitCoolDown(context.Background(), cfg.CoolDown+20*time.Millisecond))

	err := guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StateClosed, guard.State("broker"))
}

func TestGuardExecuteDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("malformed request")

	guard := NewGuard(WithRetryClassifier(func(err error) bool {
		return errors.Is(err, permanent)
	}))
	require.NoError(t, guard.Register("broker", testConfig()))

	calls := 0
	err := guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrDependencyUnavailable)
	assert.Equal(t, 1, calls)
}

func TestGuardExecuteAttemptTimeout(t *testing.T) {
	guard := NewGuard()
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	cfg.RetryMaxAttempts = 1
	require.NoError(t, guard.Register("slow", cfg))

	err := guard.Execute(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, ErrDependencyUnavailable)
}

func TestGuardExecuteValidation(t *testing.T) {
	guard := NewGuard()

	err := guard.Execute(context.Background(), "payments", nil)
	assert.ErrorIs(t, err, ErrCallRequired)

	err = guard.Execute(context.Background(), "payments", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrDependencyNameRequired)
}

func TestGuardReset(t *testing.T) {
	guard := NewGuard()
	cfg := testConfig()
	cfg.RetryMaxAttempts = 1
	require.NoError(t, guard.Register("broker", cfg))

	for i := 0; i < int(cfg.ConsecutiveFailures); i++ {
		_ = guard.Execute(context.Background(), "broker", func(ctx context.Context) error {
			return errors.New("boom")
		})
	}

	require.Equal(t, StateOpen, guard.State("broker"))

	guard.Reset("broker")

	assert.Equal(t, StateClosed, guard.State("broker"))
	assert.Zero(t, guard.GetCounts("broker").Requests)
}
