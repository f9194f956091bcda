package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/guardrail"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

func TestRunInputGuardrails_SequentialTripAbortsBeforeLLMCall(t *testing.T) {
	var llmCalled bool
	call := func(ctx context.Context) (provider.ChatResponse, error) {
		llmCalled = true
		return provider.ChatResponse{}, nil
	}
	trip := guardrail.FuncInputGuardrail{
		GuardrailName: "pii",
		Parallel:      false,
		Fn: func(ctx context.Context, agentName string, messages []entity.Message) (guardrail.Output, error) {
			return guardrail.Output{TripwireTriggered: true, OutputInfo: "nope"}, nil
		},
	}
	_, err := runInputGuardrails(context.Background(), "agent", nil, []guardrail.InputGuardrailCheck{trip}, call)
	if err == nil || !entity.IsKind(err, entity.ErrKindInputGuardrailTriggered) {
		t.Fatalf("err = %v, want InputGuardrailTriggered", err)
	}
	if llmCalled {
		t.Error("sequential guardrail trip must prevent the LLM call")
	}
}

func TestRunInputGuardrails_ParallelClearedLetsLLMResultThrough(t *testing.T) {
	call := func(ctx context.Context) (provider.ChatResponse, error) {
		return provider.ChatResponse{Message: entity.AssistantMessage("ok", nil)}, nil
	}
	clear := guardrail.NewFuncInputGuardrail("clear", func(ctx context.Context, agentName string, messages []entity.Message) (guardrail.Output, error) {
		time.Sleep(2 * time.Millisecond)
		return guardrail.Output{}, nil
	})
	resp, err := runInputGuardrails(context.Background(), "agent", nil, []guardrail.InputGuardrailCheck{clear}, call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRunInputGuardrails_ParallelTripDiscardsLLMResult(t *testing.T) {
	call := func(ctx context.Context) (provider.ChatResponse, error) {
		time.Sleep(20 * time.Millisecond)
		return provider.ChatResponse{Message: entity.AssistantMessage("should be discarded", nil)}, nil
	}
	trip := guardrail.NewFuncInputGuardrail("fast-trip", func(ctx context.Context, agentName string, messages []entity.Message) (guardrail.Output, error) {
		return guardrail.Output{TripwireTriggered: true, OutputInfo: "bad input"}, nil
	})
	_, err := runInputGuardrails(context.Background(), "agent", nil, []guardrail.InputGuardrailCheck{trip}, call)
	if err == nil || !entity.IsKind(err, entity.ErrKindInputGuardrailTriggered) {
		t.Fatalf("err = %v, want InputGuardrailTriggered", err)
	}
}

func TestRunInputGuardrails_NoGuardrailsCallsLLMDirectly(t *testing.T) {
	called := false
	call := func(ctx context.Context) (provider.ChatResponse, error) {
		called = true
		return provider.ChatResponse{Message: entity.AssistantMessage("hi", nil)}, nil
	}
	resp, err := runInputGuardrails(context.Background(), "agent", nil, nil, call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || resp.Message.Content != "hi" {
		t.Errorf("resp = %+v, called = %v", resp, called)
	}
}

func TestRunOutputGuardrails_AllClearReturnsNil(t *testing.T) {
	ok := guardrail.FuncOutputGuardrail{GuardrailName: "ok", Fn: func(ctx context.Context, agentName, output string) (guardrail.Output, error) {
		return guardrail.Output{}, nil
	}}
	if err := runOutputGuardrails(context.Background(), "agent", "final text", []guardrail.OutputGuardrailCheck{ok}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunOutputGuardrails_TripConvertsToOutputGuardrailError(t *testing.T) {
	trip := guardrail.FuncOutputGuardrail{GuardrailName: "nsfw", Fn: func(ctx context.Context, agentName, output string) (guardrail.Output, error) {
		return guardrail.Output{TripwireTriggered: true, OutputInfo: "flagged"}, nil
	}}
	err := runOutputGuardrails(context.Background(), "agent", "final text", []guardrail.OutputGuardrailCheck{trip})
	if err == nil || !entity.IsKind(err, entity.ErrKindOutputGuardrailTriggered) {
		t.Fatalf("err = %v, want OutputGuardrailTriggered", err)
	}
}

func TestRunOutputGuardrails_CheckErrorAborts(t *testing.T) {
	broken := guardrail.FuncOutputGuardrail{GuardrailName: "broken", Fn: func(ctx context.Context, agentName, output string) (guardrail.Output, error) {
		return guardrail.Output{}, fmt.Errorf("boom")
	}}
	if err := runOutputGuardrails(context.Background(), "agent", "x", []guardrail.OutputGuardrailCheck{broken}); err == nil {
		t.Fatal("expected an error when a guardrail check itself fails")
	}
}
