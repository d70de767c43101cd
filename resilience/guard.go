package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/douglas-dreer/manager-order/backoff"
	"github.com/douglas-dreer/manager-order/log"
	"github.com/sony/gobreaker"
)

// Call is an external call executed under the guard. The context carries the
// per-attempt timeout.
type Call func(ctx context.Context) error

// RetryClassifierFunc reports whether an error must not be retried.
type RetryClassifierFunc func(err error) bool

// Guard is the registry of circuit breakers keyed by logical dependency name.
// It is an explicit object passed by reference to every caller, never a
// package-level singleton. Safe for concurrent use.
type Guard struct {
	breakers     map[string]*gobreaker.CircuitBreaker
	configs      map[string]Config
	mu           sync.RWMutex
	logger       log.Logger
	nonRetryable RetryClassifierFunc
}

// GuardOption configures a Guard at construction.
type GuardOption func(*Guard)

// WithLogger sets a structured logger for breaker state transitions.
func WithLogger(logger log.Logger) GuardOption {
	return func(guard *Guard) {
		if logger != nil {
			guard.logger = logger
		}
	}
}

// WithRetryClassifier sets the non-retryable error classifier applied to
// every guarded call.
func WithRetryClassifier(classifier RetryClassifierFunc) GuardOption {
	return func(guard *Guard) {
		guard.nonRetryable = classifier
	}
}

// NewGuard creates an empty breaker registry.
func NewGuard(opts ...GuardOption) *Guard {
	guard := &Guard{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}

	return guard
}

// Register creates the breaker for a dependency if absent and stores its
// policy. Registering the same dependency twice keeps the first breaker.
func (guard *Guard) Register(dependency string, cfg Config) error {
	if dependency == "" {
		return ErrDependencyNameRequired
	}

	cfg.normalize()

	guard.mu.Lock()
	defer guard.mu.Unlock()

	if _, exists := guard.breakers[dependency]; exists {
		return nil
	}

	guard.breakers[dependency] = gobreaker.NewCircuitBreaker(guard.settings(dependency, cfg))
	guard.configs[dependency] = cfg

	return nil
}

func (guard *Guard) settings(dependency string, cfg Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        dependency,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			guard.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
				log.String("dependency", name),
				log.String("from", string(convertState(from))),
				log.String("to", string(convertState(to))),
			)
		},
	}
}

// Execute runs fn for the named dependency under the full resilience policy:
// each attempt is bounded by the configured timeout and counted by the
// breaker; failed attempts are retried with jittered exponential backoff up
// to the attempt budget. An open breaker fails the call immediately with
// ErrCircuitOpen and is never retried internally, so the caller can apply
// its own fallback at once.
func (guard *Guard) Execute(ctx context.Context, dependency string, fn Call) error {
	if fn == nil {
		return ErrCallRequired
	}

	breaker, cfg, err := guard.lookup(dependency)
	if err != nil {
		return err
	}

	var lastErr error

	for attempt := 0; attempt < cfg.RetryMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("guard call cancelled: %w", err)
		}

		_, execErr := breaker.Execute(func() (any, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			defer cancel()

			return nil, fn(attemptCtx)
		})
		if execErr == nil {
			return nil
		}

		if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %w", ErrCircuitOpen, dependency, execErr)
		}

		lastErr = execErr

		if guard.isNonRetryable(execErr) || attempt == cfg.RetryMaxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(cfg.RetryBackoffBase, attempt)
		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			return fmt.Errorf("guard retry wait interrupted: %w", waitErr)
		}
	}

	if guard.isNonRetryable(lastErr) {
		return lastErr
	}

	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, dependency, lastErr)
}

// State returns the current breaker state for a dependency.
func (guard *Guard) State(dependency string) State {
	guard.mu.RLock()
	breaker, exists := guard.breakers[dependency]
	guard.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// GetCounts returns the current counts for a dependency's breaker.
func (guard *Guard) GetCounts(dependency string) Counts {
	guard.mu.RLock()
	breaker, exists := guard.breakers[dependency]
	guard.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	counts := breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// IsHealthy reports whether the dependency's breaker is closed.
func (guard *Guard) IsHealthy(dependency string) bool {
	return guard.State(dependency) == StateClosed
}

// Reset recreates the breaker for a dependency, returning it to closed state.
func (guard *Guard) Reset(dependency string) {
	guard.mu.Lock()
	defer guard.mu.Unlock()

	cfg, exists := guard.configs[dependency]
	if !exists {
		return
	}

	guard.breakers[dependency] = gobreaker.NewCircuitBreaker(guard.settings(dependency, cfg))

	guard.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset",
		log.String("dependency", dependency))
}

func (guard *Guard) lookup(dependency string) (*gobreaker.CircuitBreaker, Config, error) {
	if dependency == "" {
		return nil, Config{}, ErrDependencyNameRequired
	}

	guard.mu.RLock()
	breaker, exists := guard.breakers[dependency]
	cfg := guard.configs[dependency]
	guard.mu.RUnlock()

	if !exists {
		return nil, Config{}, fmt.Errorf("%w: %q is not registered", ErrDependencyNameRequired, dependency)
	}

	return breaker, cfg, nil
}

func (guard *Guard) isNonRetryable(err error) bool {
	if err == nil || guard.nonRetryable == nil {
		return false
	}

	return guard.nonRetryable(err)
}

// WaitCoolDown is a test/ops helper that blocks until the given duration
// elapses or ctx is done.
func WaitCoolDown(ctx context.Context, coolDown time.Duration) error {
	return backoff.WaitContext(ctx, coolDown)
}
