package llm

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is one state of a CircuitBreaker's state machine.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips per provider after a run of consecutive failures,
// rejecting further calls until a recovery timeout elapses, then allows a
// single half-open probe to decide whether to close again — grounded on
// the teacher's circuit breaker but restructured with the same
// logger-injection convention as domain/service's resource guards
// (see CostGuard/ContextGuard/LoopDetector in resource_guard.go): the
// breaker logs its own state transitions instead of leaving that to every
// caller of Allow/RecordFailure.
type CircuitBreaker struct {
	failureThreshold int           // consecutive failures before tripping
	successThreshold int           // half-open successes required to close
	recoveryTimeout  time.Duration // time in Open before a probe is allowed
	logger           *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	failureStreak   int
	halfOpenSuccess int
	openedAt        time.Time
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and waits recoveryTimeout before probing recovery.
// Non-positive values fall back to 5 failures / 30s, and a nil logger is
// replaced with a no-op one, matching NewCostGuard/NewLoopDetector.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: 1,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		state:            CircuitClosed,
	}
}

// Allow reports whether a call should proceed: true when closed, true once
// per recovery window as a half-open probe, false otherwise. An open
// breaker transitioning to half-open is logged here, since it's the only
// path that observes the recovery timeout elapsing.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// The single probe was granted on the open→half-open transition;
		// further calls wait for its recorded outcome.
		return false
	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.recoveryTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenSuccess = 0
		cb.logger.Info("circuit breaker entering half-open, allowing probe call",
			zap.Duration("since_opened", time.Since(cb.openedAt)))
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure streak and, while half-open, counts
// toward closing the circuit again.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureStreak = 0
	if cb.state != CircuitHalfOpen {
		return
	}
	cb.halfOpenSuccess++
	if cb.halfOpenSuccess >= cb.successThreshold {
		cb.state = CircuitClosed
		cb.logger.Info("circuit breaker closed after successful probe")
	}
}

// RecordFailure extends the failure streak and trips the breaker open once
// failureThreshold is reached, or immediately re-opens on any half-open
// probe failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureStreak++

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.logger.Warn("probe call failed, circuit breaker re-opened", zap.Duration("recovery_timeout", cb.recoveryTimeout))
		return
	}

	if cb.failureStreak >= cb.failureThreshold && cb.state != CircuitOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.logger.Warn("circuit breaker tripped open",
			zap.Int("failure_streak", cb.failureStreak),
			zap.Duration("recovery_timeout", cb.recoveryTimeout))
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed, discarding any failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.logger.Info("circuit breaker manually reset to closed")
	}
	cb.state = CircuitClosed
	cb.failureStreak = 0
	cb.halfOpenSuccess = 0
}
