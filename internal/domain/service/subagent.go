package service

import (
	"context"
	"fmt"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// invokeSubAgent implements spec §4.1's sub-agent dispatch rule: the call's
// "task" argument becomes the child's input, the child runs under a fresh
// default RunConfig (no session, hooks, or confirmation handler propagate),
// and the child's RunResult.output is serialized back as the tool
// observation. Passing ctx straight through is what gives cancellation
// cascade for free — cancelling the parent's context cancels every
// in-flight descendant run (spec §5).
func (r *Runner) invokeSubAgent(ctx context.Context, sub *agent.Agent, call entity.ToolCallInfo) (string, bool) {
	if depthErr := agent.CheckSubAgentDepth(ctx, r.MaxSubAgentDepth); depthErr != nil {
		return fmt.Sprintf("sub-agent %q failed: %v", sub.Name, depthErr), false
	}

	task, _ := call.Arguments["task"].(string)
	childCtx := agent.WithSubAgentDepth(ctx, agent.SubAgentDepth(ctx)+1)

	result, err := r.Run(childCtx, sub, task, RunConfig{})
	if err != nil {
		return fmt.Sprintf("sub-agent %q failed: %v", sub.Name, err), false
	}
	return result.Output, true
}
