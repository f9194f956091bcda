// Package tool defines the callable-tool contract the Runner dispatches
// against: a uniform dynamic interface, a registry, and a typed/dynamic
// bridge so tool authors can write ergonomic Go functions without the
// Runner ever seeing anything but JSON in, JSON out.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// ErrKind discriminates why a tool call failed.
type ErrKind string

const (
	ErrExecution          ErrKind = "execution"
	ErrInvalidArguments   ErrKind = "invalid_arguments"
	ErrNotFound           ErrKind = "not_found"
	ErrForbidden          ErrKind = "forbidden"
	ErrConfirmationDenied ErrKind = "confirmation_denied"
	ErrOther              ErrKind = "other"
)

// Error is the error type a Tool's Call method may return. The Runner
// never aborts a run because of one — it formats Error into a tool-message
// observation and records success=false.
type Error struct {
	Kind    ErrKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tool Error of the given kind.
func NewError(kind ErrKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Tool is the dynamic (JSON-in, JSON-out) interface the Runner dispatches
// against. Typed tools reach this shape through Bridge.
type Tool interface {
	Name() string
	Description() string
	Definition() entity.ToolDefinition
	Call(ctx context.Context, arguments map[string]interface{}) (string, error)
}

// Registry holds the set of tools available to an Agent.
type Registry interface {
	Register(t Tool) error
	Get(name string) (Tool, bool)
	List() []entity.ToolDefinition
	Has(name string) bool
}

// InMemoryRegistry is a mutex-guarded map-backed Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]Tool)}
}

func (r *InMemoryRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *InMemoryRegistry) List() []entity.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]entity.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Typed is the compile-time-typed layer: a tool author implements this over
// a concrete In/Out struct and gets Bridge-ed into the dynamic Tool
// interface automatically, instead of hand-rolling JSON marshalling.
type Typed[In any, Out any] interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Call(ctx context.Context, in In) (Out, error)
}

// dynamicBridge adapts a Typed[In, Out] tool into the dynamic Tool
// interface by deserializing input JSON, calling the typed function, and
// serializing the output. This is the only adapter path — there is no
// duplicated typed/dynamic execution logic.
type dynamicBridge[In any, Out any] struct {
	typed Typed[In, Out]
}

// Bridge converts a typed tool into a dynamic one.
func Bridge[In any, Out any](t Typed[In, Out]) Tool {
	return &dynamicBridge[In, Out]{typed: t}
}

func (b *dynamicBridge[In, Out]) Name() string        { return b.typed.Name() }
func (b *dynamicBridge[In, Out]) Description() string { return b.typed.Description() }

func (b *dynamicBridge[In, Out]) Definition() entity.ToolDefinition {
	return entity.ToolDefinition{
		Name:        b.typed.Name(),
		Description: b.typed.Description(),
		Parameters:  b.typed.Schema(),
	}
}

func (b *dynamicBridge[In, Out]) Call(ctx context.Context, arguments map[string]interface{}) (string, error) {
	raw, err := json.Marshal(arguments)
	if err != nil {
		return "", NewError(ErrInvalidArguments, "failed to marshal arguments", err)
	}
	var in In
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", NewError(ErrInvalidArguments, "failed to decode arguments", err)
	}
	out, err := b.typed.Call(ctx, in)
	if err != nil {
		return "", err
	}
	outBytes, err := json.Marshal(out)
	if err != nil {
		return "", NewError(ErrOther, "failed to marshal output", err)
	}
	return string(outBytes), nil
}
