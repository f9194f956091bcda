// Package local implements an Ollama-style local-inference provider.Provider
// adapter: one JSON object POST to /api/chat, and a newline-delimited JSON
// response instead of SSE (spec §4.5's "local-inference servers use NDJSON"
// quirk). Grounded on the teacher's infrastructure/llm/{anthropic,openai}
// packages for HTTP client tuning and streaming shape, but using
// provider.ParseNDJSON (domain/provider/provider.go) in place of both
// siblings' SSE parsers.
package local

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

func init() {
	provider.RegisterFactory("local", func(cfg provider.Config) provider.Provider {
		return New(cfg, zap.NewNop())
	})
}

// chatRequest is the Ollama /api/chat wire format.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options,omitempty"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolFunc `json:"function"`
}

type chatToolFunc struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

// chatRecord is one NDJSON line of the Ollama /api/chat response.
type chatRecord struct {
	Model     string      `json:"model"`
	Message   chatMessage `json:"message"`
	Done      bool        `json:"done"`
	DoneReason string     `json:"done_reason"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Provider is an Ollama-compatible local-inference client.
type Provider struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a local-inference provider talking NDJSON over HTTP.
func New(cfg provider.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 600 * time.Second, // local models can be slow to start generating
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", cfg.Name), zap.String("type", "local")),
	}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

// Chat implements provider.Provider by issuing a single-shot (stream=false)
// request and decoding the lone NDJSON line the server returns.
func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	apiReq := p.buildAPIRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.ChatResponse{}, fmt.Errorf("local: API error %d: %s", resp.StatusCode, string(respBody))
	}

	var rec chatRecord
	if err := json.Unmarshal(bytes.TrimSpace(respBody), &rec); err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: parse response: %w", err)
	}
	return recordToResponse(rec), nil
}

// ChatStream implements provider.Provider over NDJSON instead of SSE.
func (p *Provider) ChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	apiReq := p.buildAPIRequest(req, true)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return provider.ChatResponse{}, fmt.Errorf("local: API error %d: %s", resp.StatusCode, string(respBody))
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, force-closing NDJSON stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	defer close(streamDone)

	lines := make(chan string, 16)
	parseErrCh := make(chan error, 1)
	go func() { parseErrCh <- provider.ParseNDJSON(ctx, resp.Body, lines) }()

	var contentBuilder strings.Builder
	var final chatRecord
	for line := range lines {
		var rec chatRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			p.logger.Debug("skip unparseable NDJSON line", zap.Error(err))
			continue
		}
		if rec.Message.Content != "" {
			contentBuilder.WriteString(rec.Message.Content)
			deltaCh <- provider.Delta{Content: rec.Message.Content}
		}
		for i, tc := range rec.Message.ToolCalls {
			deltaCh <- provider.Delta{ToolCalls: []provider.ToolCallDelta{{
				Index: i, Name: tc.Function.Name,
			}}}
		}
		if rec.Done {
			final = rec
		}
	}

	if err := <-parseErrCh; err != nil {
		return provider.ChatResponse{}, fmt.Errorf("local: NDJSON stream error: %w", err)
	}

	if final.DoneReason != "" {
		deltaCh <- provider.Delta{FinishReason: final.DoneReason}
	}

	resp2 := recordToResponse(final)
	resp2.Message.Content = contentBuilder.String()
	return resp2, nil
}

func (p *Provider) buildAPIRequest(req provider.ChatRequest, stream bool) *chatRequest {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &chatRequest{Model: model, Stream: stream}
	if req.Temperature != nil {
		apiReq.Options.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		apiReq.Options.TopP = *req.TopP
	}
	apiReq.Options.Stop = req.StopSequences
	apiReq.Options.NumPredict = req.MaxTokens

	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, chatMessage{
			Role:    string(msg.Role),
			Content: msg.TextContent(),
		})
	}

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, chatTool{
			Type:     "function",
			Function: chatToolFunc{Name: td.Name, Description: td.Description, Parameters: td.Parameters},
		})
	}

	return apiReq
}

func recordToResponse(rec chatRecord) provider.ChatResponse {
	msg := entity.Message{Role: entity.RoleAssistant, Content: rec.Message.Content}
	for _, tc := range rec.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, entity.ToolCallInfo{Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return provider.ChatResponse{
		Message:    msg,
		Usage:      &entity.TokenUsage{InputTokens: int64(rec.PromptEvalCount), OutputTokens: int64(rec.EvalCount)},
		RawPayload: rec.Model,
	}
}
