package subsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// Success records a successful execution.
	Success()
	// Failure records a failed execution.
	Failure(err error)
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
// While half-open a single trial call reaches storage; concurrent callers get
// ErrCircuitOpen until the trial settles the state. Errors that describe domain state (ErrSubscriptionNotFound, ErrUserNotFound,
// ErrExternalIDConflict, ClassificationError) pass through without counting as failures.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	probing             bool
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(config CircuitBreakerConfig,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	switch {
	case err == nil || isDomainError(err):
		cb.Success()
	case ctx.Err() != nil:
		// caller gave up, which says nothing about the backend
		if trial {
			cb.mu.Lock()
			cb.probing = false
			cb.mu.Unlock()
		}
	default:
		cb.Failure(err)
	}
	return err
}

// admit reports whether a call may run and whether it is the half-open trial
func (cb *DefaultCircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState() != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
	cb.probing = false
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.probing = false
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	} else if state == StateHalfOpen {
		// Re-open from the probe; state is still stored as open so only the timer moves.
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

func isDomainError(err error) bool {
	var classErr *ClassificationError
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrExternalIDConflict) ||
		errors.As(err, &classErr)
}
