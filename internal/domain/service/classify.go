package service

import (
	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

// StepKind discriminates the three shapes a classified step can take.
type StepKind string

const (
	StepFinalOutput   StepKind = "final_output"
	StepToolCalls     StepKind = "tool_calls"
	StepNeedsApproval StepKind = "needs_approval"
)

// NextStep is the classifier's verdict for one LLM response, per spec §4.1
// step 4–5. Exactly one of Output / the call slices is meaningful,
// discriminated by Kind.
type NextStep struct {
	Kind   StepKind
	Output string
	// RawCalls preserves the LLM's original declared order and is never
	// reordered — the assistant message and the final tool-message list
	// both key off this order (spec §8 invariant 4, scenario D).
	RawCalls        []entity.ToolCallInfo
	Approved        []entity.ToolCallInfo
	PendingApproval []entity.ToolCallInfo
	Forbidden       []entity.ToolCallInfo
}

// Classify inspects an assistant response and produces a NextStep. A
// response carrying tool calls always classifies as tool-bearing even when
// it also carries text — spec §4.1's "tool calls take precedence" rule; the
// text itself is preserved on the assistant message by the caller, not lost
// here.
func Classify(resp provider.ChatResponse) NextStep {
	if len(resp.Message.ToolCalls) == 0 {
		return NextStep{Kind: StepFinalOutput, Output: resp.Message.TextContent()}
	}
	return NextStep{Kind: StepToolCalls, RawCalls: toolCallInfos(resp.Message.ToolCalls)}
}

func toolCallInfos(calls []entity.ToolCallInfo) []entity.ToolCallInfo {
	out := make([]entity.ToolCallInfo, len(calls))
	for i, c := range calls {
		args := c.Arguments
		if args == nil {
			// Empty arguments are treated as an empty JSON object (spec §4.1).
			args = map[string]interface{}{}
		}
		out[i] = entity.ToolCallInfo{ID: c.ID, Name: c.Name, Arguments: args}
	}
	return out
}

// PartitionByPolicy splits a tool-bearing NextStep's calls into approved,
// pending-approval, and forbidden buckets per the parent agent's policies,
// and re-derives Kind accordingly (spec §4.1 step 5).
func PartitionByPolicy(step NextStep, a *agent.Agent, autoApproved map[string]bool) NextStep {
	if step.Kind != StepToolCalls {
		return step
	}
	var approved, pending, forbidden []entity.ToolCallInfo
	for _, call := range step.RawCalls {
		switch a.PolicyFor(call.Name) {
		case agent.PolicyForbidden:
			forbidden = append(forbidden, call)
		case agent.PolicyRequireConfirmation:
			if autoApproved[call.Name] {
				approved = append(approved, call)
			} else {
				pending = append(pending, call)
			}
		default:
			approved = append(approved, call)
		}
	}
	out := NextStep{RawCalls: step.RawCalls, Approved: approved, PendingApproval: pending, Forbidden: forbidden}
	if len(pending) > 0 {
		out.Kind = StepNeedsApproval
	} else {
		out.Kind = StepToolCalls
	}
	return out
}
