package agent

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// DefaultMaxSubAgentDepth bounds managed-agent recursion. Spec §4.1's
// sub-agent dispatch rule lets a managed agent itself have managed agents;
// without a depth cap a cyclic or pathological configuration recurses
// forever. Grounded on the teacher's domain/agent/spawner.go, which tracked
// spawn depth the same way for its dynamically-spawned sub-agents; adapted
// here from a stateful spawn registry (SpawnConfig/Permission/SpawnedAgent)
// down to a single context-carried counter, since SPEC_FULL.md's managed
// agents are a static config list rather than runtime-spawned processes.
const DefaultMaxSubAgentDepth = 8

type subAgentDepthKey struct{}

// WithSubAgentDepth returns a context carrying the given recursion depth.
func WithSubAgentDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, subAgentDepthKey{}, depth)
}

// SubAgentDepth returns the recursion depth carried on ctx, or 0 at the
// root of a run (no managed-agent dispatch has happened yet).
func SubAgentDepth(ctx context.Context) int {
	if d, ok := ctx.Value(subAgentDepthKey{}).(int); ok {
		return d
	}
	return 0
}

// CheckSubAgentDepth returns a RunError if descending into one more
// managed-agent call would exceed maxDepth. maxDepth<=0 uses
// DefaultMaxSubAgentDepth.
func CheckSubAgentDepth(ctx context.Context, maxDepth int) *entity.RunError {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxSubAgentDepth
	}
	if SubAgentDepth(ctx) >= maxDepth {
		return entity.NewRunError(entity.ErrKindAgent, "managed-agent recursion depth exceeded", nil)
	}
	return nil
}
