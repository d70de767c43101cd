// Package resilience wraps calls to external dependencies with a timeout, a
// bounded retry policy, and a per-dependency circuit breaker.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned immediately when the breaker for a
	// dependency is open or throttling half-open trials. It is never
	// retried internally.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrDependencyUnavailable is returned once the retry budget for a call
	// is exhausted.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrDependencyNameRequired is returned when a guard call names no dependency.
	ErrDependencyNameRequired = errors.New("dependency name is required")
	// ErrCallRequired is returned when a nil call is passed to Execute.
	ErrCallRequired = errors.New("call is required")
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Config holds the resilience policy for one logical dependency.
type Config struct {
	// CallTimeout bounds a single attempt of the wrapped call.
	CallTimeout time.Duration
	// RetryMaxAttempts is the total attempt budget, including the first call.
	RetryMaxAttempts int
	// RetryBackoffBase is the base delay for jittered exponential backoff
	// between attempts.
	RetryBackoffBase time.Duration
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// CoolDown is how long the breaker stays open before allowing a trial.
	CoolDown time.Duration
	// ConsecutiveFailures trips the breaker once reached.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been observed.
	FailureRatio float64
	// MinRequests is the minimum sample size before FailureRatio applies.
	MinRequests uint32
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		CallTimeout:         10 * time.Second,
		RetryMaxAttempts:    3,
		RetryBackoffBase:    200 * time.Millisecond,
		MaxRequests:         1,
		CoolDown:            30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}

	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = defaults.RetryMaxAttempts
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	if cfg.CoolDown <= 0 {
		cfg.CoolDown = defaults.CoolDown
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = defaults.FailureRatio
	}

	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
