package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

type fakeProvider struct {
	name    string
	nextErr error
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	f.calls++
	if f.nextErr != nil {
		return provider.ChatResponse{}, f.nextErr
	}
	return provider.ChatResponse{}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func TestResilientProvider_PassesThroughOnSuccess(t *testing.T) {
	fp := &fakeProvider{name: "test"}
	rp := NewResilientProvider(fp, 3, time.Minute, nil)

	if _, err := rp.Chat(context.Background(), provider.ChatRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.calls != 1 {
		t.Errorf("calls = %d, want 1", fp.calls)
	}
}

func TestResilientProvider_TripsAfterThreshold(t *testing.T) {
	fp := &fakeProvider{name: "test", nextErr: errors.New("boom")}
	rp := NewResilientProvider(fp, 2, time.Minute, nil)

	rp.Chat(context.Background(), provider.ChatRequest{})
	rp.Chat(context.Background(), provider.ChatRequest{})

	if rp.State() != CircuitOpen {
		t.Fatalf("expected circuit open after threshold, got %v", rp.State())
	}

	_, err := rp.Chat(context.Background(), provider.ChatRequest{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if fp.calls != 2 {
		t.Errorf("inner provider should not be called while open, calls = %d", fp.calls)
	}
}

func TestResilientProvider_RecoversAfterTimeout(t *testing.T) {
	fp := &fakeProvider{name: "test", nextErr: errors.New("boom")}
	rp := NewResilientProvider(fp, 1, 10*time.Millisecond, nil)

	rp.Chat(context.Background(), provider.ChatRequest{})
	if rp.State() != CircuitOpen {
		t.Fatalf("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	fp.nextErr = nil
	if _, err := rp.Chat(context.Background(), provider.ChatRequest{}); err != nil {
		t.Fatalf("probe call should succeed: %v", err)
	}
	if rp.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %v", rp.State())
	}
}
