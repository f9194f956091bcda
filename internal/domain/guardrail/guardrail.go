// Package guardrail implements the externally-pluggable safety-check
// contract: thin adapters around a user-supplied check function that
// observe input or output and return a tripwire verdict. This is distinct
// from the Runner's internal resource guards (token budget, context
// window, loop detection — see internal/domain/service/resource_guard.go),
// which are load-bearing loop plumbing rather than user-supplied policy.
//
// Grounded on the teacher's domain/service/guardrails.go file shape (one
// small struct, one Check method, logger-backed) but re-purposed: the
// teacher's guards are resource guards: these are safety tripwires.
package guardrail

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// Output is the verdict a guardrail check returns. When TripwireTriggered
// is true the Runner aborts the run with a guardrail-triggered RunError
// embedding OutputInfo for observability.
type Output struct {
	TripwireTriggered bool
	OutputInfo        interface{}
}

// InputGuardrailCheck observes the message list about to be sent to the
// provider for the first time in a run. RunInParallel reports whether this
// guardrail should race against the first LLM call (spec §4.1b default)
// rather than block it: true races (discarding the LLM result on trip),
// false runs to completion before the LLM is consulted.
type InputGuardrailCheck interface {
	Name() string
	RunInParallel() bool
	Check(ctx context.Context, agentName string, messages []entity.Message) (Output, error)
}

// OutputGuardrailCheck observes a run's final output text.
type OutputGuardrailCheck interface {
	Name() string
	Check(ctx context.Context, agentName string, output string) (Output, error)
}

// FuncInputGuardrail adapts a plain function into an InputGuardrailCheck,
// for the common case of a stateless check with no fields of its own.
// Parallel defaults to true (spec §4.1b) via NewFuncInputGuardrail; the
// zero value of this struct runs sequentially, so prefer the constructor.
type FuncInputGuardrail struct {
	GuardrailName string
	Parallel      bool
	Fn            func(ctx context.Context, agentName string, messages []entity.Message) (Output, error)
}

// NewFuncInputGuardrail builds a parallel (default) function guardrail.
func NewFuncInputGuardrail(name string, fn func(ctx context.Context, agentName string, messages []entity.Message) (Output, error)) FuncInputGuardrail {
	return FuncInputGuardrail{GuardrailName: name, Parallel: true, Fn: fn}
}

func (g FuncInputGuardrail) Name() string        { return g.GuardrailName }
func (g FuncInputGuardrail) RunInParallel() bool { return g.Parallel }

func (g FuncInputGuardrail) Check(ctx context.Context, agentName string, messages []entity.Message) (Output, error) {
	return g.Fn(ctx, agentName, messages)
}

// FuncOutputGuardrail adapts a plain function into an OutputGuardrailCheck.
type FuncOutputGuardrail struct {
	GuardrailName string
	Fn            func(ctx context.Context, agentName string, output string) (Output, error)
}

func (g FuncOutputGuardrail) Name() string { return g.GuardrailName }

func (g FuncOutputGuardrail) Check(ctx context.Context, agentName string, output string) (Output, error) {
	return g.Fn(ctx, agentName, output)
}

var (
	_ InputGuardrailCheck  = FuncInputGuardrail{}
	_ OutputGuardrailCheck = FuncOutputGuardrail{}
)
