// Package llm wraps a provider.Provider with the circuit breaker pattern,
// grounded on the teacher's infrastructure/llm package: the same per-type
// provider.RegisterFactory registry now lives in domain/provider (the spec's
// wire-level contract), so this package keeps what sat on top of it — the
// circuit breaker, repurposed as a decorator over provider.Provider instead
// of the teacher's own client interface — plus the CallWithRetry helper
// (retry.go) that the anthropic and openai adapters call.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

// ErrCircuitOpen is returned by ResilientProvider when the breaker has
// tripped and is not yet due for a recovery probe.
var ErrCircuitOpen = fmt.Errorf("llm: circuit breaker is open")

// ResilientProvider decorates a provider.Provider with a per-provider
// circuit breaker: consecutive failures trip the breaker and further calls
// fail fast until the recovery timeout elapses.
type ResilientProvider struct {
	inner   provider.Provider
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewResilientProvider wraps inner with a circuit breaker using the given
// failure threshold and recovery timeout (see NewCircuitBreaker).
func NewResilientProvider(inner provider.Provider, failureThreshold int, recoveryTimeout time.Duration, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	providerLogger := logger.With(zap.String("provider", inner.Name()))
	return &ResilientProvider{
		inner:   inner,
		breaker: NewCircuitBreaker(failureThreshold, recoveryTimeout, providerLogger),
		logger:  providerLogger,
	}
}

var _ provider.Provider = (*ResilientProvider)(nil)

func (r *ResilientProvider) Name() string { return r.inner.Name() }

// Chat implements provider.Provider, short-circuiting while the breaker is open.
func (r *ResilientProvider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	if !r.breaker.Allow() {
		r.logger.Warn("circuit open, rejecting chat call", zap.String("state", r.breaker.State().String()))
		return provider.ChatResponse{}, ErrCircuitOpen
	}

	resp, err := r.inner.Chat(ctx, req)
	r.recordOutcome(err)
	return resp, err
}

// ChatStream implements provider.Provider, short-circuiting while the breaker is open.
func (r *ResilientProvider) ChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	if !r.breaker.Allow() {
		r.logger.Warn("circuit open, rejecting stream call", zap.String("state", r.breaker.State().String()))
		return provider.ChatResponse{}, ErrCircuitOpen
	}

	resp, err := r.inner.ChatStream(ctx, req, deltaCh)
	r.recordOutcome(err)
	return resp, err
}

// recordOutcome folds a call's result into the breaker. State-transition
// logging (trip, half-open probe, close) happens inside CircuitBreaker
// itself; this only logs the triggering error, which the breaker has no
// access to.
func (r *ResilientProvider) recordOutcome(err error) {
	if err != nil {
		r.logger.Debug("provider call failed", zap.Error(err))
		r.breaker.RecordFailure()
		return
	}
	r.breaker.RecordSuccess()
}

// State exposes the breaker's current state, mainly for health checks.
func (r *ResilientProvider) State() CircuitState { return r.breaker.State() }
