package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

// streamToolCall accumulates one tool call's streamed argument fragments,
// keyed by the index OpenAI assigns in each delta.
type streamToolCall struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseSSEStream reads an OpenAI-compatible chat-completions SSE stream.
//
// Three-tier termination protection:
//
//	L1: break the read loop as soon as a finish_reason arrives (don't wait
//	    for [DONE] — some OpenAI-compatible servers never send it)
//	L2: idleTimeout aborts the scan if no bytes arrive for a while
//	L3: the caller's ctx carries its own deadline/cancellation
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- provider.Delta, logger *zap.Logger) (provider.ChatResponse, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var modelUsed string
	var usage Usage
	var finishReason string
	toolCallMap := make(map[int]*streamToolCall)
	var order []int

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return provider.ChatResponse{}, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunkData
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("skip unparseable SSE chunk", zap.Error(err))
			continue
		}
		if chunk.Model != "" {
			modelUsed = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			deltaCh <- provider.Delta{Content: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := toolCallMap[tc.Index]
			if !ok {
				acc = &streamToolCall{}
				toolCallMap[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.ArgsBuilder.WriteString(tc.Function.Arguments)
			}
			deltaCh <- provider.Delta{ToolCalls: []provider.ToolCallDelta{{
				Index: tc.Index, ID: acc.ID, Name: acc.Name, ArgumentsFrag: tc.Function.Arguments,
			}}}
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
			logger.Debug("SSE stream: finish_reason received, breaking", zap.String("finish_reason", finishReason))
			break // L1
		}
	}

	if err := scanner.Err(); err != nil {
		if IsIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout — API stalled",
				zap.Duration("idle_timeout", idleTimeout),
				zap.String("content_so_far", TruncateForLog(contentBuilder.String(), 100)),
			)
			if contentBuilder.Len() == 0 && len(toolCallMap) == 0 {
				return provider.ChatResponse{}, fmt.Errorf("openai: SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return provider.ChatResponse{}, fmt.Errorf("openai: SSE scan error: %w", err)
		}
	}

	if finishReason != "" {
		deltaCh <- provider.Delta{FinishReason: finishReason}
	}

	msg := entity.Message{Role: entity.RoleAssistant, Content: contentBuilder.String()}
	for _, idx := range order {
		acc := toolCallMap[idx]
		var args map[string]interface{}
		if argsStr := acc.ArgsBuilder.String(); argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				logger.Warn("failed to parse streamed tool call args", zap.String("tool", acc.Name), zap.Error(err))
				continue
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, entity.ToolCallInfo{ID: acc.ID, Name: acc.Name, Arguments: args})
	}

	return provider.ChatResponse{
		Message:    msg,
		Usage:      &entity.TokenUsage{InputTokens: int64(usage.PromptTokens), OutputTokens: int64(usage.CompletionTokens)},
		RawPayload: modelUsed,
	}, nil
}

// --- SSE idle timeout support ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

// IsIdleTimeoutErr checks if an error is our SSE idle timeout sentinel.
func IsIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}

// TruncateForLog truncates a string for safe logging.
func TruncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
