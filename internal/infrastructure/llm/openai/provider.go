// Package openai is a Go-native OpenAI-compatible HTTP client, implementing
// provider.Provider. Compatible with OpenAI, Bailian (Qwen), MiniMax,
// DeepSeek, Ollama's OpenAI-compatible endpoint, vLLM, etc. — grounded on
// the teacher's infrastructure/llm/openai package, rewired onto the spec's
// provider.ChatRequest/ChatResponse/Delta vocabulary and extended with the
// o-series/gpt-5 max_completion_tokens + dropped-stop-sequences quirk spec
// §4.5 names but the teacher's version did not yet implement.
package openai

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
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
)

func init() {
	provider.RegisterFactory("openai", func(cfg provider.Config) provider.Provider {
		return New(cfg, zap.NewNop())
	})
}

// Provider is a Go-native OpenAI-compatible HTTP client.
type Provider struct {
	name          string
	baseURL       string
	apiKey        string
	models        []string
	client        *http.Client
	logger        *zap.Logger
	maxRetries    int
	retryBaseWait time.Duration
}

// New creates a Go-native OpenAI-compatible LLM provider.
func New(cfg provider.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:          cfg.Name,
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		models:        cfg.Models,
		client:        &http.Client{Transport: transport},
		logger:        logger.With(zap.String("provider", cfg.Name), zap.String("type", "openai")),
		maxRetries:    llm.DefaultMaxRetries,
		retryBaseWait: llm.DefaultRetryBaseWait,
	}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

// Chat implements provider.Provider (non-streaming), retrying transient
// failures with exponential backoff per spec §7's "retry is a provider
// adapter concern" (see llm.CallWithRetry).
func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	return llm.CallWithRetry(ctx, p.maxRetries, p.retryBaseWait, p.logger, p.name, req.Model, func(ctx context.Context) (provider.ChatResponse, error) {
		return p.doChat(ctx, req)
	})
}

// doChat performs one OpenAI-compatible chat/completions attempt.
func (p *Provider) doChat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	apiReq := p.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.ChatResponse{}, fmt.Errorf("openai: API error %d: %s", resp.StatusCode, string(respBody))
	}

	return p.parseAPIResponse(respBody)
}

// ChatStream implements provider.Provider with SSE streaming, retrying a
// failed attempt (e.g. a stall before any delta arrives) with exponential
// backoff the same way Chat does.
func (p *Provider) ChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	return llm.CallWithRetry(ctx, p.maxRetries, p.retryBaseWait, p.logger, p.name, req.Model, func(ctx context.Context) (provider.ChatResponse, error) {
		return p.doChatStream(ctx, req, deltaCh)
	})
}

// doChatStream performs one OpenAI-compatible SSE streaming attempt.
func (p *Provider) doChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	apiReq := p.buildAPIRequest(req)

	streamBody := StreamRequest{
		Request:       apiReq,
		Stream:        true,
		StreamOptions: map[string]interface{}{"include_usage": true},
	}

	body, err := json.Marshal(streamBody)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return provider.ChatResponse{}, fmt.Errorf("openai: API error %d: %s", resp.StatusCode, string(respBody))
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, force-closing SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := parseSSEStream(ctx, resp.Body, deltaCh, p.logger)
	close(streamDone)
	return result, err
}

func (p *Provider) buildAPIRequest(req provider.ChatRequest) *Request {
	// Strip provider prefix (e.g. "bailian/qwen3-max" -> "qwen3-max").
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &Request{Model: model}
	if req.Temperature != nil {
		apiReq.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		apiReq.TopP = *req.TopP
	}

	if usesMaxCompletionTokens(model) {
		apiReq.MaxCompletionTokens = req.MaxTokens
		// o-series/gpt-5 reject stop sequences outright; drop silently.
	} else {
		apiReq.MaxTokens = req.MaxTokens
		apiReq.Stop = req.StopSequences
	}

	for _, msg := range req.Messages {
		apiMsg := Message{
			Role:       string(msg.Role),
			Content:    msg.TextContent(),
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: ToolCallFunc{Name: tc.Name, Arguments: MarshalToolCallArgs(tc.Arguments)},
			})
		}
		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Type:     "function",
			Function: ToolFunction{Name: td.Name, Description: td.Description, Parameters: ConvertSchema(td.Parameters)},
		})
	}

	return apiReq
}

func (p *Provider) parseAPIResponse(body []byte) (provider.ChatResponse, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return provider.ChatResponse{}, fmt.Errorf("openai: parse response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return provider.ChatResponse{}, fmt.Errorf("openai: empty response: no choices")
	}

	choice := apiResp.Choices[0]
	msg := entity.Message{Role: entity.RoleAssistant, Content: choice.Message.Content}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return provider.ChatResponse{}, fmt.Errorf("openai: parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, entity.ToolCallInfo{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return provider.ChatResponse{
		Message:    msg,
		Usage:      &entity.TokenUsage{InputTokens: int64(apiResp.Usage.PromptTokens), OutputTokens: int64(apiResp.Usage.CompletionTokens)},
		RawPayload: apiResp,
	}, nil
}
