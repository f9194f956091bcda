package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/guardrail"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
	"github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/persistence"
)

// scriptedProvider replays a fixed sequence of ChatResponses, one per call,
// so runner tests can drive specific step shapes without a real LLM.
type scriptedProvider struct {
	name      string
	responses []provider.ChatResponse
	calls     int32
	onCall    func(req provider.ChatRequest)
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	if p.onCall != nil {
		p.onCall(req)
	}
	i := atomic.AddInt32(&p.calls, 1) - 1
	if int(i) >= len(p.responses) {
		return provider.ChatResponse{}, fmt.Errorf("scriptedProvider: no response scripted for call %d", i)
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	close(deltaCh)
	return p.Chat(ctx, req)
}

var _ provider.Provider = (*scriptedProvider)(nil)

// funcTool adapts a plain function into a dynamic tool.Tool for tests.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return "test tool" }
func (t *funcTool) Definition() entity.ToolDefinition {
	return entity.ToolDefinition{Name: t.name, Description: "test tool", Parameters: map[string]interface{}{"type": "object"}}
}
func (t *funcTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.fn(ctx, args)
}

// Scenario A — simple echo: no tools, provider returns text immediately.
func TestRunner_Run_SimpleEcho(t *testing.T) {
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.AssistantMessage("hello", nil), Usage: &entity.TokenUsage{InputTokens: 10, OutputTokens: 5}},
		},
	}
	a, err := agent.New("echo-agent", "m1", agent.WithInstructions("echo"), agent.WithProvider(p))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	sess := persistence.NewMemorySession("s1")

	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "hi", RunConfig{Session: sess})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "hello" {
		t.Errorf("Output = %q, want %q", result.Output, "hello")
	}
	if result.Steps != 1 {
		t.Errorf("Steps = %d, want 1", result.Steps)
	}
	if result.Usage != (entity.TokenUsage{InputTokens: 10, OutputTokens: 5}) {
		t.Errorf("Usage = %+v", result.Usage)
	}
	if len(result.StepHistory) != 1 {
		t.Errorf("StepHistory len = %d, want 1", len(result.StepHistory))
	}

	msgs, err := sess.GetMessages(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Errorf("session messages = %+v", msgs)
	}
}

// Scenario B — single tool call followed by a final text answer.
func TestRunner_Run_SingleToolCall(t *testing.T) {
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{
				Role: entity.RoleAssistant,
				ToolCalls: []entity.ToolCallInfo{
					{ID: "c1", Name: "add", Arguments: map[string]interface{}{"a": float64(2), "b": float64(3)}},
				},
			}},
			{Message: entity.AssistantMessage("5", nil)},
		},
	}
	addTool := &funcTool{name: "add", fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
		a := args["a"].(float64)
		b := args["b"].(float64)
		return fmt.Sprintf("%v", a+b), nil
	}}
	a, err := agent.New("math-agent", "m1", agent.WithProvider(p), agent.WithTools(addTool))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "what is 2+3?", RunConfig{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Steps != 2 {
		t.Fatalf("Steps = %d, want 2", result.Steps)
	}
	if result.Output != "5" {
		t.Errorf("Output = %q, want %q", result.Output, "5")
	}
	step0 := result.StepHistory[0]
	if len(step0.ToolCalls) != 1 || step0.ToolCalls[0].ID != "c1" || step0.ToolCalls[0].Result != "5" || !step0.ToolCalls[0].Success {
		t.Errorf("step 0 tool calls = %+v", step0.ToolCalls)
	}
}

// Scenario C — forbidden tool is denied without ever being invoked.
func TestRunner_Run_ForbiddenTool(t *testing.T) {
	var invoked bool
	dangerous := &funcTool{name: "dangerous_tool", fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
		invoked = true
		return "should not happen", nil
	}}
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: "c1", Name: "dangerous_tool"}}}},
			{Message: entity.AssistantMessage("done", nil)},
		},
	}
	a, err := agent.New("danger-agent", "m1",
		agent.WithProvider(p),
		agent.WithTools(dangerous),
		agent.WithToolPolicy("dangerous_tool", agent.PolicyForbidden),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "do something dangerous", RunConfig{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invoked {
		t.Error("forbidden tool must not be invoked")
	}
	if result.Output != "done" {
		t.Errorf("Output = %q, want %q", result.Output, "done")
	}
	step0 := result.StepHistory[0]
	if len(step0.ToolCalls) != 1 {
		t.Fatalf("expected exactly one tool-call record, got %d", len(step0.ToolCalls))
	}
	if step0.ToolCalls[0].Success {
		t.Error("forbidden call must record success=false")
	}
	wantSubstr := "forbidden by execution policy"
	if !contains(step0.ToolCalls[0].Result, wantSubstr) {
		t.Errorf("denial message %q does not mention %q", step0.ToolCalls[0].Result, wantSubstr)
	}
}

// Scenario D — parallel tool calls run concurrently and preserve result order.
func TestRunner_Run_ParallelToolCallsPreserveOrder(t *testing.T) {
	order := func(name string, delay time.Duration) *funcTool {
		return &funcTool{name: name, fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			time.Sleep(delay)
			return name + "_result", nil
		}}
	}
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{
				{ID: "c1", Name: "x"}, {ID: "c2", Name: "y"}, {ID: "c3", Name: "z"},
			}}},
			{Message: entity.AssistantMessage("done", nil)},
		},
	}
	a, err := agent.New("parallel-agent", "m1",
		agent.WithProvider(p),
		agent.WithTools(order("x", 10*time.Millisecond), order("y", 100*time.Millisecond), order("z", 10*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	r := NewRunner(nil)
	start := time.Now()
	result, err := r.Run(context.Background(), a, "go", RunConfig{})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Sequential execution would take at least 10+100+10 = 120ms.
	if elapsed >= 120*time.Millisecond {
		t.Errorf("elapsed %v suggests sequential execution, not parallel", elapsed)
	}
	records := result.StepHistory[0].ToolCalls
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	wantOrder := []string{"x_result", "y_result", "z_result"}
	for i, want := range wantOrder {
		if records[i].Result != want {
			t.Errorf("records[%d].Result = %q, want %q", i, records[i].Result, want)
		}
	}
}

// Scenario E — input guardrail trip aborts before the provider is ever called.
func TestRunner_Run_InputGuardrailTrip(t *testing.T) {
	var providerCalled bool
	p := &scriptedProvider{
		name: "m1",
		onCall: func(req provider.ChatRequest) { providerCalled = true },
		responses: []provider.ChatResponse{
			{Message: entity.AssistantMessage("should never be reached", nil)},
		},
	}
	piiGuard := guardrail.FuncInputGuardrail{
		GuardrailName: "pii",
		Parallel:      false,
		Fn: func(ctx context.Context, agentName string, messages []entity.Message) (guardrail.Output, error) {
			for _, m := range messages {
				if contains(m.Content, "SSN") {
					return guardrail.Output{TripwireTriggered: true, OutputInfo: "PII detected in input"}, nil
				}
			}
			return guardrail.Output{}, nil
		},
	}
	a, err := agent.New("guarded-agent", "m1", agent.WithProvider(p), agent.WithInputGuardrails(piiGuard))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	r := NewRunner(nil)
	_, err = r.Run(context.Background(), a, "my SSN is 123-45-6789", RunConfig{})
	if err == nil {
		t.Fatal("expected an input guardrail error")
	}
	if !entity.IsKind(err, entity.ErrKindInputGuardrailTriggered) {
		t.Errorf("error kind = %v, want InputGuardrailTriggered", err)
	}
	if providerCalled {
		t.Error("provider must not be called once a sequential guardrail trips")
	}
}

// Scenario F — confirmation denied, then the run completes normally.
func TestRunner_Run_ConfirmationDenied(t *testing.T) {
	var invoked bool
	deleteTool := &funcTool{name: "delete", fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
		invoked = true
		return "deleted", nil
	}}
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: "c1", Name: "delete"}}}},
			{Message: entity.AssistantMessage("ok, not deleting", nil)},
		},
	}
	a, err := agent.New("delete-agent", "m1",
		agent.WithProvider(p),
		agent.WithTools(deleteTool),
		agent.WithToolPolicy("delete", agent.PolicyRequireConfirmation),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "delete it", RunConfig{ConfirmationHandler: DenyAllHandler{}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invoked {
		t.Error("denied tool must not be invoked")
	}
	if result.Output != "ok, not deleting" {
		t.Errorf("Output = %q", result.Output)
	}
}

// ApproveAll on one call waives confirmation for further occurrences of the
// same tool name within the same run (spec §8 invariant 7).
func TestRunner_Run_ApproveAllWaivesFurtherConfirmation(t *testing.T) {
	var invocations int32
	deleteTool := &funcTool{name: "delete", fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
		atomic.AddInt32(&invocations, 1)
		return "deleted", nil
	}}
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: "c1", Name: "delete"}}}},
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: "c2", Name: "delete"}}}},
			{Message: entity.AssistantMessage("done", nil)},
		},
	}
	a, err := agent.New("delete-agent", "m1",
		agent.WithProvider(p),
		agent.WithTools(deleteTool),
		agent.WithToolPolicy("delete", agent.PolicyRequireConfirmation),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	handler := &approveOnceThenAutoApprove{}
	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "delete twice", RunConfig{ConfirmationHandler: handler})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if invocations != 2 {
		t.Errorf("invocations = %d, want 2", invocations)
	}
	if handler.confirmations != 1 {
		t.Errorf("confirmations = %d, want 1 (second call auto-approved)", handler.confirmations)
	}
	if result.Steps != 3 {
		t.Errorf("Steps = %d, want 3", result.Steps)
	}
}

type approveOnceThenAutoApprove struct {
	confirmations int32
}

func (h *approveOnceThenAutoApprove) Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error) {
	atomic.AddInt32(&h.confirmations, 1)
	return ConfirmationApproveAll, nil
}

// A missing provider fails the run before the loop starts.
func TestRunner_Run_MissingProviderFailsFast(t *testing.T) {
	a, err := agent.New("no-provider", "m1")
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	r := NewRunner(nil)
	_, err = r.Run(context.Background(), a, "hi", RunConfig{})
	if err == nil || !entity.IsKind(err, entity.ErrKindAgent) {
		t.Fatalf("expected an Agent-kind error, got %v", err)
	}
}

// Unknown tool names produce a not-found observation rather than aborting.
func TestRunner_Run_UnknownToolProducesObservation(t *testing.T) {
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: "c1", Name: "nonexistent"}}}},
			{Message: entity.AssistantMessage("done", nil)},
		},
	}
	a, err := agent.New("agent", "m1", agent.WithProvider(p))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "hi", RunConfig{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := result.StepHistory[0].ToolCalls[0]
	if rec.Success {
		t.Error("unknown tool call must record success=false")
	}
	if !contains(rec.Result, "not found") {
		t.Errorf("result = %q, want it to mention not found", rec.Result)
	}
}

// MaxSteps aborts the run with a dedicated error kind when no final output
// is reached within the step budget.
func TestRunner_Run_MaxStepsExceeded(t *testing.T) {
	var responses []provider.ChatResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, provider.ChatResponse{
			Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: fmt.Sprintf("c%d", i), Name: "noop"}}},
		})
	}
	p := &scriptedProvider{name: "m1", responses: responses}
	noop := &funcTool{name: "noop", fn: func(ctx context.Context, args map[string]interface{}) (string, error) { return "ok", nil }}
	a, err := agent.New("looping-agent", "m1", agent.WithProvider(p), agent.WithTools(noop), agent.WithMaxSteps(2))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	r := NewRunner(nil)
	_, err = r.Run(context.Background(), a, "go forever", RunConfig{})
	if err == nil || !entity.IsKind(err, entity.ErrKindMaxSteps) {
		t.Fatalf("expected MaxSteps error, got %v", err)
	}
}

// Sub-agent managed tool dispatch recurses into Runner.Run with the task
// argument as input and serializes the child's output as the observation.
func TestRunner_Run_SubAgentDispatch(t *testing.T) {
	childProvider := &scriptedProvider{
		name: "child-model",
		responses: []provider.ChatResponse{
			{Message: entity.AssistantMessage("child says hi", nil)},
		},
	}
	child, err := agent.New("helper", "child-model", agent.WithProvider(childProvider), agent.WithDescription("a helper sub-agent"))
	if err != nil {
		t.Fatalf("agent.New child: %v", err)
	}

	parentProvider := &scriptedProvider{
		name: "parent-model",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{
				{ID: "c1", Name: "helper", Arguments: map[string]interface{}{"task": "say hi"}},
			}}},
			{Message: entity.AssistantMessage("parent relays: child says hi", nil)},
		},
	}
	parent, err := agent.New("parent", "parent-model", agent.WithProvider(parentProvider), agent.WithManagedAgents(child))
	if err != nil {
		t.Fatalf("agent.New parent: %v", err)
	}

	r := NewRunner(nil)
	result, err := r.Run(context.Background(), parent, "ask the helper to say hi", RunConfig{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := result.StepHistory[0].ToolCalls[0]
	if !rec.Success || rec.Result != "child says hi" {
		t.Errorf("sub-agent record = %+v", rec)
	}
	if result.Output != "parent relays: child says hi" {
		t.Errorf("Output = %q", result.Output)
	}
}

// tool.Error failures are formatted into an observation without aborting
// the run.
func TestRunner_Run_ToolErrorDoesNotAbortRun(t *testing.T) {
	failing := &funcTool{name: "flaky", fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", tool.NewError(tool.ErrExecution, "upstream timed out", nil)
	}}
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.Message{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCallInfo{{ID: "c1", Name: "flaky"}}}},
			{Message: entity.AssistantMessage("recovered", nil)},
		},
	}
	a, err := agent.New("resilient-agent", "m1", agent.WithProvider(p), agent.WithTools(failing))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	r := NewRunner(nil)
	result, err := r.Run(context.Background(), a, "go", RunConfig{})
	if err != nil {
		t.Fatalf("Run must not abort on a tool error: %v", err)
	}
	if result.Output != "recovered" {
		t.Errorf("Output = %q", result.Output)
	}
	rec := result.StepHistory[0].ToolCalls[0]
	if rec.Success {
		t.Error("failing tool call must record success=false")
	}
}

// Wiring check: a configured token-cost guard aborts the run once usage
// crosses the budget, even though the LLM itself never tripped a guardrail.
func TestRunner_Run_CostGuardAbortsOnBudgetExceeded(t *testing.T) {
	p := &scriptedProvider{
		name: "m1",
		responses: []provider.ChatResponse{
			{Message: entity.AssistantMessage("hello", nil), Usage: &entity.TokenUsage{InputTokens: 100, OutputTokens: 100}},
		},
	}
	a, err := agent.New("echo-agent", "m1", agent.WithProvider(p))
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	r := NewRunner(nil)
	_, err = r.Run(context.Background(), a, "hi", RunConfig{MaxCostTokens: 50})
	if err == nil {
		t.Fatal("expected the cost guard to abort the run")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
