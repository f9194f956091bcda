// Package agent defines the immutable Agent configuration bundle the
// Runner executes. Construction follows the teacher's validating-factory
// convention (see domain/entity's historic NewAgent); here validation is
// folded into New itself since Agent has no separate repository layer.
package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/guardrail"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
)

// Policy is a per-tool gating decision, held on the parent Agent rather
// than on the tool itself — the same tool can be Auto in one agent and
// RequireConfirmation in another.
type Policy string

const (
	PolicyAuto                Policy = "auto"
	PolicyRequireConfirmation Policy = "require_confirmation"
	PolicyForbidden           Policy = "forbidden"
)

// InstructionsFunc renders dynamic system instructions from the run
// context, for agents whose prompt depends on runtime state.
type InstructionsFunc func(ctx context.Context, rc *RunContext) string

// RunContext is carried through a run: the agent under execution, the
// current step number, and accumulated token usage. The Runner builds and
// discards one per invocation of Run.
type RunContext struct {
	RunID      string
	AgentName  string
	Step       int
	AccumUsage entity.TokenUsage
	parentCtx  context.Context
}

// Context returns the underlying cancellation context for this run.
func (rc *RunContext) Context() context.Context { return rc.parentCtx }

// NewRunContext creates the RunContext for one Runner.Run invocation. RunID
// is a fresh UUID so logs, metrics, and confirmation prompts from the same
// run can be correlated even when the same agent runs concurrently.
func NewRunContext(ctx context.Context, agentName string) *RunContext {
	return &RunContext{RunID: uuid.NewString(), AgentName: agentName, parentCtx: ctx}
}

// Hooks are fire-and-forget lifecycle observers. Every method receives an
// immutable RunContext snapshot; their own errors are never propagated and
// they must not mutate runner state.
type Hooks interface {
	OnAgentStart(ctx context.Context, rc RunContext)
	OnAgentEnd(ctx context.Context, rc RunContext, result interface{})
	OnLLMStart(ctx context.Context, rc RunContext, req provider.ChatRequest)
	OnLLMEnd(ctx context.Context, rc RunContext, resp provider.ChatResponse)
	OnToolStart(ctx context.Context, rc RunContext, name string, args map[string]interface{})
	OnToolEnd(ctx context.Context, rc RunContext, name, result string, success bool)
	OnError(ctx context.Context, rc RunContext, err error)
}

// NoOpHooks is embeddable by partial Hooks implementations.
type NoOpHooks struct{}

func (NoOpHooks) OnAgentStart(context.Context, RunContext)                                {}
func (NoOpHooks) OnAgentEnd(context.Context, RunContext, interface{})                     {}
func (NoOpHooks) OnLLMStart(context.Context, RunContext, provider.ChatRequest)            {}
func (NoOpHooks) OnLLMEnd(context.Context, RunContext, provider.ChatResponse)             {}
func (NoOpHooks) OnToolStart(context.Context, RunContext, string, map[string]interface{}) {}
func (NoOpHooks) OnToolEnd(context.Context, RunContext, string, string, bool)             {}
func (NoOpHooks) OnError(context.Context, RunContext, error)                              {}

var _ Hooks = NoOpHooks{}

// Agent is an immutable configuration bundle, constructed once and shared
// (read-only) across concurrent runs.
type Agent struct {
	Name             string
	Description      string
	Instructions     string
	InstructionsFunc InstructionsFunc
	ModelID          string
	Provider         provider.Provider
	Tools            []tool.Tool
	ManagedAgents    []*Agent
	InputGuardrails  []guardrail.InputGuardrailCheck
	OutputGuardrails []guardrail.OutputGuardrailCheck
	Hooks            Hooks
	ToolPolicies     map[string]Policy
	MaxSteps         int
}

// DefaultMaxSteps is used when an Agent or RunConfig does not override it.
const DefaultMaxSteps = 25

// New validates and constructs an Agent. Zero-value fields are normalized
// to safe defaults (NoOpHooks, DefaultMaxSteps), following the teacher's
// NewAgentLoop clamping convention.
func New(name, modelID string, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent: name must not be empty")
	}
	if modelID == "" {
		return nil, fmt.Errorf("agent: model id must not be empty")
	}
	a := &Agent{
		Name:         name,
		ModelID:      modelID,
		Hooks:        NoOpHooks{},
		ToolPolicies: map[string]Policy{},
		MaxSteps:     DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.Hooks == nil {
		a.Hooks = NoOpHooks{}
	}
	if a.MaxSteps <= 0 {
		a.MaxSteps = DefaultMaxSteps
	}
	return a, nil
}

// Option configures an Agent at construction time.
type Option func(*Agent)

func WithDescription(d string) Option                { return func(a *Agent) { a.Description = d } }
func WithInstructions(s string) Option               { return func(a *Agent) { a.Instructions = s } }
func WithInstructionsFunc(f InstructionsFunc) Option { return func(a *Agent) { a.InstructionsFunc = f } }
func WithProvider(p provider.Provider) Option         { return func(a *Agent) { a.Provider = p } }
func WithTools(t ...tool.Tool) Option                 { return func(a *Agent) { a.Tools = t } }
func WithManagedAgents(m ...*Agent) Option            { return func(a *Agent) { a.ManagedAgents = m } }
func WithInputGuardrails(g ...guardrail.InputGuardrailCheck) Option {
	return func(a *Agent) { a.InputGuardrails = g }
}
func WithOutputGuardrails(g ...guardrail.OutputGuardrailCheck) Option {
	return func(a *Agent) { a.OutputGuardrails = g }
}
func WithHooks(h Hooks) Option { return func(a *Agent) { a.Hooks = h } }
func WithToolPolicy(name string, p Policy) Option {
	return func(a *Agent) {
		if a.ToolPolicies == nil {
			a.ToolPolicies = map[string]Policy{}
		}
		a.ToolPolicies[name] = p
	}
}
func WithMaxSteps(n int) Option { return func(a *Agent) { a.MaxSteps = n } }

// PolicyFor returns the effective policy for a tool name, defaulting to
// Auto when the agent has no explicit entry — matching spec §3's
// ToolExecutionPolicy semantics (Auto/RequireConfirmation/Forbidden).
func (a *Agent) PolicyFor(toolName string) Policy {
	if p, ok := a.ToolPolicies[toolName]; ok {
		return p
	}
	return PolicyAuto
}

// RenderInstructions resolves the agent's system prompt, preferring the
// dynamic callback over the static string when both are set.
func (a *Agent) RenderInstructions(ctx context.Context, rc *RunContext) string {
	if a.InstructionsFunc != nil {
		return a.InstructionsFunc(ctx, rc)
	}
	return a.Instructions
}

// FindTool resolves a call name against this agent's own tools only;
// managed sub-agents are resolved separately by FindManagedAgent. The
// Runner's dispatcher tries FindTool first, then FindManagedAgent.
func (a *Agent) FindTool(name string) (tool.Tool, bool) {
	for _, t := range a.Tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// FindManagedAgent resolves a call name against managed sub-agents.
func (a *Agent) FindManagedAgent(name string) (*Agent, bool) {
	for _, sub := range a.ManagedAgents {
		if sub.Name == name {
			return sub, true
		}
	}
	return nil, false
}

// SubAgentDefinition synthesizes the fixed single-parameter ToolDefinition
// a managed sub-agent presents to its parent's LLM.
func SubAgentDefinition(sub *Agent) entity.ToolDefinition {
	return entity.ToolDefinition{
		Name:        sub.Name,
		Description: sub.Description,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task": map[string]interface{}{
					"type":        "string",
					"description": "the task to delegate to this sub-agent",
				},
			},
			"required": []string{"task"},
		},
	}
}
