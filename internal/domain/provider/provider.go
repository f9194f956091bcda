// Package provider defines the uniform chat/streaming contract the Runner
// drives, and the transport-level line parsers (SSE, NDJSON) shared by
// concrete adapters. Grounded on the teacher's infrastructure/llm/provider.go
// factory-registry pattern, generalized from the teacher's LLMClient
// (Generate/GenerateStream over its own LLMRequest/LLMResponse) to the
// spec's ChatRequest/ChatResponse/Delta vocabulary.
package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// ToolChoice hints the provider how eagerly to call tools.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ChatRequest is the uniform request shape passed to Provider.Chat.
type ChatRequest struct {
	Model          string
	Messages       []entity.Message
	Tools          []entity.ToolDefinition
	ToolChoice     ToolChoice
	Temperature    *float64
	MaxTokens      int
	TopP           *float64
	StopSequences  []string
	ResponseFormat string
}

// ChatResponse is the uniform response shape returned by Provider.Chat.
type ChatResponse struct {
	Message    entity.Message
	Usage      *entity.TokenUsage
	RawPayload interface{}
}

// ToolCallDelta is an incremental tool-call fragment within a streaming
// Delta. Index identifies which in-progress tool call a fragment belongs
// to — fragments must be merged by index, not by arrival order, since some
// providers interleave multiple in-progress calls.
type ToolCallDelta struct {
	Index         int
	ID            string
	Name          string
	ArgumentsFrag string
}

// Delta is one increment of a streamed ChatResponse.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	TokenUsage   *entity.TokenUsage
	FinishReason string
}

// Provider adapts the chat contract onto a specific LLM backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams deltas onto deltaCh, closing it when the stream
	// ends, and returns the fully accumulated ChatResponse. A Provider
	// with no native streaming support may emit a single delta wrapping
	// a non-streaming Chat call.
	ChatStream(ctx context.Context, req ChatRequest, deltaCh chan<- Delta) (ChatResponse, error)
}

// Config holds the connection details for a concrete provider instance.
type Config struct {
	Name    string
	Type    string // "anthropic" | "openai" | "local"
	BaseURL string
	APIKey  string
	Models  []string
}

// Factory creates a Provider from Config.
type Factory func(cfg Config) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a provider factory under a type name. Called
// from init() in each provider sub-package (llm/anthropic, llm/openai,
// llm/local) — mirrors the teacher's self-registering provider packages.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// Create instantiates a Provider using the registered factory for cfg.Type.
func Create(cfg Config) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}
	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()
	if !ok {
		available := make([]string, 0, len(factories))
		factoryMu.RLock()
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("provider: unknown type %q (available: %v)", t, available)
	}
	return factory(cfg), nil
}

// --- Transport-level line parsers ---

// SSERecord is one event-stream record with the "data: " prefix stripped.
type SSERecord struct {
	Data string
}

// ParseSSE consumes r as a Server-Sent-Events byte stream and emits one
// SSERecord per data line onto ch, closing ch on EOF or ctx cancellation.
// Comment lines (leading ':'), empty lines, and a literal "[DONE]" payload
// are skipped, matching spec §4.5.
func ParseSSE(ctx context.Context, r io.Reader, ch chan<- SSERecord) error {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			continue
		}
		select {
		case ch <- SSERecord{Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("provider: sse stream error: %w", err)
	}
	return nil
}

// ParseNDJSON consumes r as newline-delimited JSON, emitting one trimmed
// line per record onto ch. Empty lines are skipped; a trailing partial
// line at EOF is flushed as a final record.
func ParseNDJSON(ctx context.Context, r io.Reader, ch chan<- string) error {
	defer close(ch)
	reader := bufio.NewReader(r)
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		buf.WriteString(line)
		trimmed := strings.TrimSpace(buf.String())
		if err == io.EOF {
			if trimmed != "" {
				select {
				case ch <- trimmed:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("provider: ndjson stream error: %w", err)
		}
		buf.Reset()
		if trimmed == "" {
			continue
		}
		select {
		case ch <- trimmed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ToolCallAccumulator accumulates streamed ToolCallDelta fragments into
// completed entity.ToolCallInfo values, keyed and merged by Index — the
// reassembly rule spec §4.5 requires since some providers interleave
// fragments of multiple in-progress calls.
type ToolCallAccumulator struct {
	order []int
	byIdx map[int]*accumEntry
}

type accumEntry struct {
	id, name string
	args     strings.Builder
}

func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{byIdx: map[int]*accumEntry{}}
}

func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	e, ok := a.byIdx[d.Index]
	if !ok {
		e = &accumEntry{}
		a.byIdx[d.Index] = e
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		e.id = d.ID
	}
	if d.Name != "" {
		e.name = d.Name
	}
	e.args.WriteString(d.ArgumentsFrag)
}

// Finish returns the accumulated tool calls in first-seen index order,
// parsing each entry's accumulated argument string as JSON.
func (a *ToolCallAccumulator) Finish(parseArgs func(string) (map[string]interface{}, error)) ([]entity.ToolCallInfo, error) {
	result := make([]entity.ToolCallInfo, 0, len(a.order))
	for _, idx := range a.order {
		e := a.byIdx[idx]
		args, err := parseArgs(e.args.String())
		if err != nil {
			return nil, fmt.Errorf("provider: tool call %d argument parse: %w", idx, err)
		}
		result = append(result, entity.ToolCallInfo{ID: e.id, Name: e.name, Arguments: args})
	}
	return result, nil
}
