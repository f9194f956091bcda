package service

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

// HookChain bundles the two dispatch layers spec §4.2 requires: run-level
// hooks (from RunConfig) and per-agent hooks (from Agent), invoked in
// sequence — run first, then agent — at every observation point. Grounded
// on the teacher's HookChain (domain/service/hooks.go), generalized from one
// flat slice of AgentHook to exactly the two known layers the spec names.
type HookChain struct {
	runLevel   agent.Hooks
	agentLevel agent.Hooks
}

// NewHookChain builds a chain from a run-level and an agent-level Hooks. A
// nil layer is replaced with agent.NoOpHooks so callers never need to guard.
func NewHookChain(runLevel, agentLevel agent.Hooks) *HookChain {
	if runLevel == nil {
		runLevel = agent.NoOpHooks{}
	}
	if agentLevel == nil {
		agentLevel = agent.NoOpHooks{}
	}
	return &HookChain{runLevel: runLevel, agentLevel: agentLevel}
}

var _ agent.Hooks = (*HookChain)(nil)

func (c *HookChain) OnAgentStart(ctx context.Context, rc agent.RunContext) {
	c.runLevel.OnAgentStart(ctx, rc)
	c.agentLevel.OnAgentStart(ctx, rc)
}

func (c *HookChain) OnAgentEnd(ctx context.Context, rc agent.RunContext, result interface{}) {
	c.runLevel.OnAgentEnd(ctx, rc, result)
	c.agentLevel.OnAgentEnd(ctx, rc, result)
}

func (c *HookChain) OnLLMStart(ctx context.Context, rc agent.RunContext, req provider.ChatRequest) {
	c.runLevel.OnLLMStart(ctx, rc, req)
	c.agentLevel.OnLLMStart(ctx, rc, req)
}

func (c *HookChain) OnLLMEnd(ctx context.Context, rc agent.RunContext, resp provider.ChatResponse) {
	c.runLevel.OnLLMEnd(ctx, rc, resp)
	c.agentLevel.OnLLMEnd(ctx, rc, resp)
}

func (c *HookChain) OnToolStart(ctx context.Context, rc agent.RunContext, name string, args map[string]interface{}) {
	c.runLevel.OnToolStart(ctx, rc, name, args)
	c.agentLevel.OnToolStart(ctx, rc, name, args)
}

func (c *HookChain) OnToolEnd(ctx context.Context, rc agent.RunContext, name, result string, success bool) {
	c.runLevel.OnToolEnd(ctx, rc, name, result, success)
	c.agentLevel.OnToolEnd(ctx, rc, name, result, success)
}

func (c *HookChain) OnError(ctx context.Context, rc agent.RunContext, err error) {
	c.runLevel.OnError(ctx, rc, err)
	c.agentLevel.OnError(ctx, rc, err)
}
