// Package anthropic implements the Claude Messages API as a provider.Provider
// adapter, grounded on the teacher's infrastructure/llm/anthropic package:
// same HTTP client tuning, same SSE event-type switch, same "system prompt is
// a separate top-level field" quirk — rewired onto the spec's
// provider.ChatRequest/ChatResponse/Delta vocabulary instead of the teacher's
// service.LLMRequest/LLMResponse/StreamChunk.
package anthropic

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

const anthropicVersion = "2023-06-01"

func init() {
	provider.RegisterFactory("anthropic", func(cfg provider.Config) provider.Provider {
		return New(cfg, zap.NewNop())
	})
}

// Provider implements the Anthropic Messages API natively.
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

// New creates an Anthropic API provider. Passing a non-nop logger lets
// callers observe stream stalls and parse failures; RegisterFactory wires a
// nop logger since provider.Config carries no logger field.
func New(cfg provider.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
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
		logger:        logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
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

// doChat performs one Anthropic Messages API attempt.
func (p *Provider) doChat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	apiReq := p.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: API error %d: %s", resp.StatusCode, string(respBody))
	}

	return p.parseAPIResponse(respBody)
}

// ChatStream implements provider.Provider with Anthropic SSE streaming,
// retrying a failed attempt (e.g. a stall before any delta arrives) with
// exponential backoff the same way Chat does.
func (p *Provider) ChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	return llm.CallWithRetry(ctx, p.maxRetries, p.retryBaseWait, p.logger, p.name, req.Model, func(ctx context.Context) (provider.ChatResponse, error) {
		return p.doChatStream(ctx, req, deltaCh)
	})
}

// doChatStream performs one Anthropic SSE streaming attempt.
func (p *Provider) doChatStream(ctx context.Context, req provider.ChatRequest, deltaCh chan<- provider.Delta) (provider.ChatResponse, error) {
	apiReq := p.buildAPIRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return provider.ChatResponse{}, fmt.Errorf("anthropic: API error %d: %s", resp.StatusCode, string(respBody))
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Info("context cancelled, force-closing Anthropic SSE stream", zap.Error(ctx.Err()))
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	result, err := parseSSEStream(ctx, resp.Body, deltaCh, p.logger)
	close(streamDone)
	return result, err
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

// buildAPIRequest extracts any system-role message into the top-level
// System field — Claude requires this rather than a system-role message
// (spec §4.5's named Claude quirk).
func (p *Provider) buildAPIRequest(req provider.ChatRequest) *Request {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &Request{
		Model:     model,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		apiReq.Temperature = *req.Temperature
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = 8192 // Anthropic requires an explicit max_tokens
	}

	var messages []Message
	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleSystem:
			if apiReq.System != "" {
				apiReq.System += "\n\n" + msg.TextContent()
			} else {
				apiReq.System = msg.TextContent()
			}

		case entity.RoleAssistant:
			var blocks []ContentBlock
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
			if len(blocks) > 0 {
				messages = append(messages, Message{Role: "assistant", Content: blocks})
			}

		case entity.RoleTool:
			messages = append(messages, Message{
				Role: "user",
				Content: []ContentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default: // user
			messages = append(messages, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: msg.TextContent()}},
			})
		}
	}
	apiReq.Messages = messages

	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: ConvertSchema(td.Parameters),
		})
	}

	return apiReq
}

func (p *Provider) parseAPIResponse(body []byte) (provider.ChatResponse, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return provider.ChatResponse{}, fmt.Errorf("anthropic: parse response: %w", err)
	}

	msg := entity.Message{Role: entity.RoleAssistant}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, entity.ToolCallInfo{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}

	return provider.ChatResponse{
		Message:    msg,
		Usage:      &entity.TokenUsage{InputTokens: int64(apiResp.Usage.InputTokens), OutputTokens: int64(apiResp.Usage.OutputTokens)},
		RawPayload: apiResp,
	}, nil
}
