package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/pkg/safego"
)

// Invoker executes one tool call and returns its executed record. It never
// returns an error itself — any failure is already folded into the record's
// Result/Success fields, matching spec §4.1a ("errors... do not propagate
// out of the step").
type Invoker func(ctx context.Context, call entity.ToolCallInfo) entity.ToolCallRecord

// dispatchCalls runs calls with bounded concurrency, preserving result
// ordering regardless of completion order (spec §4.1a). maxConcurrency<=0
// means unbounded (all at once); 1 means strictly sequential. Calls are
// partitioned into chunks of size maxConcurrency, grounded on the teacher's
// errgroup-based parallel dispatch (see workflowagent.runParallel in the
// wider example pack) but reshaped into a join-all, chunked pattern instead
// of a streaming event fan-in, since the Runner needs a complete ordered
// slice before proceeding to the next step.
//
// invoke runs third-party tool implementations and, via invokeSubAgent, a
// full recursive Runner.Run — a panic in either must not take the whole
// process down with it, so each call's goroutine is launched through
// safego.Go rather than a bare `go`.
func dispatchCalls(ctx context.Context, calls []entity.ToolCallInfo, maxConcurrency int, logger *zap.Logger, invoke Invoker) []entity.ToolCallRecord {
	results := make([]entity.ToolCallRecord, len(calls))
	if len(calls) == 0 {
		return results
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	chunkSize := maxConcurrency
	if chunkSize <= 0 {
		chunkSize = len(calls)
	}

	for start := 0; start < len(calls); start += chunkSize {
		end := start + chunkSize
		if end > len(calls) {
			end = len(calls)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			safego.Go(logger, fmt.Sprintf("tool-dispatch:%s", calls[i].Name), func() {
				defer wg.Done()
				results[i] = invoke(ctx, calls[i])
			})
		}
		wg.Wait()
	}
	return results
}
