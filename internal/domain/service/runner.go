// Package service hosts the Runner: the stateless ReAct execution core
// described in spec §4.1, plus the loop plumbing it depends on
// (classification, parallel dispatch, hook bundling, confirmation,
// guardrail pipeline, sub-agent recursion, resource guards, and message
// sanitization). Grounded on the teacher's domain/service/agent_loop.go
// (AgentLoopConfig/LLMClient/StreamChunk shape) but rebuilt around the
// spec's Agent/Provider/Session vocabulary instead of the teacher's
// AppError/LLMClient pair.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
	"github.com/ngoclaw/agentcore/internal/domain/session"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
)

// RunConfig carries the per-invocation knobs spec §4.1/§4.2 describe: the
// optional session to read/persist through, the run-level hook layer, the
// confirmation handler for RequireConfirmation tools, and the tool
// concurrency bound. The zero value is the spec's "fresh default RunConfig"
// used for sub-agent recursion: no session, no hooks, no confirmation
// handler.
//
// MaxCostTokens/MaxDuration/ContextWindowTokens configure the resource
// guards carried forward from the teacher (see resource_guard.go); zero
// disables the corresponding dimension. They are abort-on-exhaustion
// safety nets distinct from the spec's user-supplied Guardrail contract.
type RunConfig struct {
	Session             session.Session
	Hooks               agent.Hooks
	ConfirmationHandler ConfirmationHandler
	MaxToolConcurrency  int // 0 means unbounded
	MaxSteps            int // 0 means use the Agent's own MaxSteps

	MaxCostTokens       int64         // 0 disables the token-budget guard
	MaxDuration         time.Duration // 0 disables the wall-clock guard
	ContextWindowTokens int           // 0 disables the context-window guard
}

// StepRecord is one entry of a RunResult's step history.
type StepRecord struct {
	StepNumber int
	ToolCalls  []entity.ToolCallRecord
	Output     string // non-empty only on the step that produced FinalOutput
}

// RunResult is returned by a successful Runner.Run.
type RunResult struct {
	Output      string
	Steps       int
	Usage       entity.TokenUsage
	StepHistory []StepRecord
	Messages    []entity.Message
}

// Runner is the stateless ReAct engine: Run carries all mutable per-call
// state in local variables, so the same Runner value is safe to invoke
// concurrently for different or identical agents (spec §9's chosen split).
type Runner struct {
	Logger *zap.Logger

	// MaxSubAgentDepth bounds managed-agent recursion (see
	// agent.CheckSubAgentDepth). 0 uses agent.DefaultMaxSubAgentDepth.
	MaxSubAgentDepth int
}

// NewRunner builds a Runner. A nil logger is replaced with a no-op one.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Logger: logger}
}

// Run drives one agent over one input through the ReAct loop described in
// spec §4.1.
func (r *Runner) Run(ctx context.Context, a *agent.Agent, input string, cfg RunConfig) (RunResult, error) {
	if a.Provider == nil {
		return RunResult{}, entity.NewRunError(entity.ErrKindAgent, "agent has no provider configured", nil)
	}

	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = a.MaxSteps
	}

	hooks := NewHookChain(cfg.Hooks, a.Hooks)
	confirm := cfg.ConfirmationHandler
	if confirm == nil {
		// Fail closed: with no confirmation surface wired up, a
		// RequireConfirmation tool is denied rather than silently executed.
		confirm = DenyAllHandler{}
	}

	rc := agent.NewRunContext(ctx, a.Name)
	hooks.OnAgentStart(ctx, *rc)

	messages, err := buildInitialMessages(ctx, a, cfg.Session, input, rc)
	if err != nil {
		hooks.OnError(ctx, *rc, err)
		return RunResult{}, err
	}

	var costGuard *CostGuard
	if cfg.MaxCostTokens > 0 || cfg.MaxDuration > 0 {
		costGuard = NewCostGuard(cfg.MaxCostTokens, cfg.MaxDuration, r.Logger)
	}
	var contextGuard *ContextGuard
	if cfg.ContextWindowTokens > 0 {
		contextGuard = NewContextGuard(cfg.ContextWindowTokens, 0.8, 0.95, r.Logger)
	}
	loopDetector := NewLoopDetector(loopDetectorWindow, loopDetectorThreshold, loopDetectorNameThreshold, r.Logger)

	autoApproved := map[string]bool{}
	var stepHistory []StepRecord
	step := 0

	for {
		step++
		rc.Step = step
		if step > maxSteps {
			runErr := entity.NewMaxStepsError(maxSteps)
			hooks.OnError(ctx, *rc, runErr)
			return RunResult{}, runErr
		}

		sanitized := sanitizeMessages(messages)
		if contextGuard != nil {
			if err := contextGuard.Check(estimateTokenCount(sanitized)); err != nil {
				runErr := entity.NewRunError(entity.ErrKindAgent, err.Error(), err)
				hooks.OnError(ctx, *rc, runErr)
				return RunResult{}, runErr
			}
		}

		req := provider.ChatRequest{
			Model:    a.ModelID,
			Messages: sanitized,
			Tools:    toolDefinitions(a),
		}

		hooks.OnLLMStart(ctx, *rc, req)

		call := func(callCtx context.Context) (provider.ChatResponse, error) {
			return a.Provider.Chat(callCtx, req)
		}

		var resp provider.ChatResponse
		if step == 1 && len(a.InputGuardrails) > 0 {
			resp, err = runInputGuardrails(ctx, a.Name, messages, a.InputGuardrails, call)
		} else {
			resp, err = call(ctx)
		}
		if err != nil {
			runErr := classifyRunError(err, a)
			hooks.OnError(ctx, *rc, runErr)
			return RunResult{}, runErr
		}

		hooks.OnLLMEnd(ctx, *rc, resp)
		if resp.Usage != nil {
			rc.AccumUsage = rc.AccumUsage.Add(*resp.Usage)
			if costGuard != nil {
				if err := costGuard.RecordUsage(*resp.Usage); err != nil {
					runErr := entity.NewRunError(entity.ErrKindAgent, err.Error(), err)
					hooks.OnError(ctx, *rc, runErr)
					return RunResult{}, runErr
				}
			}
		}

		next := Classify(resp)
		next = PartitionByPolicy(next, a, autoApproved)

		switch next.Kind {
		case StepFinalOutput:
			assistantMsg := entity.AssistantMessage(next.Output, nil)
			messages = append(messages, assistantMsg)

			if err := runOutputGuardrails(ctx, a.Name, next.Output, a.OutputGuardrails); err != nil {
				hooks.OnError(ctx, *rc, err)
				return RunResult{}, err
			}

			if cfg.Session != nil {
				if err := cfg.Session.AddMessages(ctx, []entity.Message{entity.UserMessage(input), assistantMsg}); err != nil {
					runErr := entity.NewRunError(entity.ErrKindMemory, "failed to persist session", err)
					hooks.OnError(ctx, *rc, runErr)
					return RunResult{}, runErr
				}
			}

			stepHistory = append(stepHistory, StepRecord{StepNumber: step, Output: next.Output})
			result := RunResult{
				Output:      next.Output,
				Steps:       step,
				Usage:       rc.AccumUsage,
				StepHistory: stepHistory,
				Messages:    messages,
			}
			hooks.OnAgentEnd(ctx, *rc, result)
			return result, nil

		case StepToolCalls, StepNeedsApproval:
			assistantMsg := entity.AssistantMessage(resp.Message.TextContent(), next.RawCalls)
			messages = append(messages, assistantMsg)

			toolMsgs, records := r.resolveStep(ctx, a, rc, next, cfg, confirm, hooks, autoApproved, loopDetector)
			messages = append(messages, toolMsgs...)
			stepHistory = append(stepHistory, StepRecord{StepNumber: step, ToolCalls: records})
		}
	}
}

// buildInitialMessages assembles the replayable context spec §4.1 describes:
// system prompt (if any), session history (if configured), then the user's
// input.
func buildInitialMessages(ctx context.Context, a *agent.Agent, sess session.Session, input string, rc *agent.RunContext) ([]entity.Message, error) {
	var messages []entity.Message

	if instr := a.RenderInstructions(ctx, rc); instr != "" {
		messages = append(messages, entity.SystemMessage(instr))
	}

	if sess != nil {
		history, err := sess.GetMessages(ctx, 0)
		if err != nil {
			return nil, entity.NewRunError(entity.ErrKindMemory, "failed to load session history", err)
		}
		messages = append(messages, history...)
	}

	messages = append(messages, entity.UserMessage(input))
	return messages, nil
}

// toolDefinitions flattens an agent's own tools with one stub per managed
// sub-agent, matching spec §4.1 step 2.
func toolDefinitions(a *agent.Agent) []entity.ToolDefinition {
	defs := make([]entity.ToolDefinition, 0, len(a.Tools)+len(a.ManagedAgents))
	for _, t := range a.Tools {
		defs = append(defs, t.Definition())
	}
	for _, sub := range a.ManagedAgents {
		defs = append(defs, agent.SubAgentDefinition(sub))
	}
	return defs
}

// resolveStep runs the forbidden/pending/approved dispatch of spec §4.1
// step 6, returning tool-role messages and tool-call records in the LLM's
// original call order (spec §8 invariant 4).
func (r *Runner) resolveStep(
	ctx context.Context,
	a *agent.Agent,
	rc *agent.RunContext,
	next NextStep,
	cfg RunConfig,
	confirm ConfirmationHandler,
	hooks agent.Hooks,
	autoApproved map[string]bool,
	loopDetector *LoopDetector,
) ([]entity.Message, []entity.ToolCallRecord) {
	forbidden := toCallSet(next.Forbidden)
	pending := toCallSet(next.PendingApproval)

	denials := map[string]string{}
	var executable []entity.ToolCallInfo

	for _, call := range next.RawCalls {
		switch {
		case forbidden[call.ID]:
			denials[call.ID] = fmt.Sprintf("Tool call denied: %q is forbidden by execution policy.", call.Name)

		case pending[call.ID]:
			req := ConfirmationRequest{
				ID:          call.ID,
				ToolName:    call.Name,
				Arguments:   call.Arguments,
				Description: fmt.Sprintf("Call %s with arguments %v", call.Name, call.Arguments),
			}
			resp, confirmErr := confirm.Confirm(ctx, req)
			resp = resolveConfirmation(resp, confirmErr)
			switch resp {
			case ConfirmationApproveAll:
				autoApproved[call.Name] = true
				executable = append(executable, call)
			case ConfirmationApproved:
				executable = append(executable, call)
			default:
				denials[call.ID] = fmt.Sprintf("Tool call denied: confirmation for %q was declined.", call.Name)
			}

		default:
			executable = append(executable, call)
		}
	}

	maxConcurrency := cfg.MaxToolConcurrency
	records := dispatchCalls(ctx, executable, maxConcurrency, r.Logger, r.invokerFor(a, rc, hooks, loopDetector))

	byID := make(map[string]entity.ToolCallRecord, len(records))
	for i, rec := range records {
		byID[executable[i].ID] = rec
	}

	toolMsgs := make([]entity.Message, 0, len(next.RawCalls))
	out := make([]entity.ToolCallRecord, 0, len(next.RawCalls))
	for _, call := range next.RawCalls {
		if msg, ok := denials[call.ID]; ok {
			toolMsgs = append(toolMsgs, entity.ToolMessage(call.ID, msg))
			out = append(out, entity.ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: msg, Success: false})
			continue
		}
		rec := byID[call.ID]
		toolMsgs = append(toolMsgs, entity.ToolMessage(call.ID, rec.Result))
		out = append(out, rec)
	}
	return toolMsgs, out
}

func toCallSet(calls []entity.ToolCallInfo) map[string]bool {
	set := make(map[string]bool, len(calls))
	for _, c := range calls {
		set[c.ID] = true
	}
	return set
}

// invokerFor closes over agent/hooks state to build the per-call Invoker
// dispatchCalls runs concurrently.
func (r *Runner) invokerFor(a *agent.Agent, rc *agent.RunContext, hooks agent.Hooks, loopDetector *LoopDetector) Invoker {
	return func(ctx context.Context, call entity.ToolCallInfo) entity.ToolCallRecord {
		hooks.OnToolStart(ctx, *rc, call.Name, call.Arguments)

		if loopDetector != nil {
			if diag := loopDetector.Record(call.Name, fmt.Sprint(call.Arguments)); diag != "" {
				r.Logger.Warn(diag, zap.String("run_id", rc.RunID), zap.String("agent", rc.AgentName), zap.Int("step", rc.Step))
			}
		}

		var result string
		var success bool

		if t, ok := a.FindTool(call.Name); ok {
			out, err := t.Call(ctx, call.Arguments)
			if err != nil {
				result = formatToolError(err)
				success = false
			} else {
				result = truncateOutput(out, maxToolResultChars)
				success = true
			}
		} else if sub, ok := a.FindManagedAgent(call.Name); ok {
			result, success = r.invokeSubAgent(ctx, sub, call)
		} else {
			result = fmt.Sprintf("Tool '%s' not found", call.Name)
			success = false
		}

		hooks.OnToolEnd(ctx, *rc, call.Name, result, success)
		return entity.ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: result, Success: success}
	}
}

// formatToolError renders a tool failure into the observation string the
// Runner folds into context, per spec §4.4.
func formatToolError(err error) string {
	if te, ok := err.(*tool.Error); ok {
		return fmt.Sprintf("Error (%s): %s", te.Kind, te.Message)
	}
	return fmt.Sprintf("Error: %v", err)
}

// Default LoopDetector tuning: a generous window with thresholds loose
// enough not to flag legitimate retries, matching the teacher's
// DefaultAgentLoopConfig doom-loop defaults.
const (
	loopDetectorWindow        = 20
	loopDetectorThreshold     = 3
	loopDetectorNameThreshold = 6
)

// estimateTokenCount roughly sizes a message list for the ContextGuard,
// matching the teacher's cheap chars/4 heuristic rather than a real
// tokenizer — good enough for a warn/hard-fail ratio check, not for
// billing.
func estimateTokenCount(messages []entity.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.TextContent())
	}
	return chars / 4
}

// classifyRunError wraps a provider failure into the run-level error the
// Runner aborts with (spec §7). Guardrail trips are already *entity.RunError
// values from runInputGuardrails and pass through unchanged.
func classifyRunError(err error, a *agent.Agent) *entity.RunError {
	if re, ok := err.(*entity.RunError); ok {
		return re
	}
	llmErr := ClassifyError(err, a.Provider.Name(), a.ModelID)
	return entity.NewRunError(entity.ErrKindLLM, llmErr.Message, llmErr)
}
