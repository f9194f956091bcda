package anthropic

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

// streamToolCall tracks a tool_use block being streamed.
type streamToolCall struct {
	ID          string
	Name        string
	ArgsBuilder strings.Builder
}

// parseSSEStream reads Anthropic's event-based SSE format.
//
// Anthropic SSE events:
//   - message_start         → initial message metadata
//   - content_block_start   → new content block (text, tool_use, thinking)
//   - content_block_delta   → incremental update to current block
//   - content_block_stop    → current block finished
//   - message_delta         → stop_reason + final usage
//   - message_stop          → stream complete
func parseSSEStream(ctx context.Context, reader io.Reader, deltaCh chan<- provider.Delta, logger *zap.Logger) (provider.ChatResponse, error) {
	idleTimeout := 60 * time.Second
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var contentBuilder strings.Builder
	var modelUsed string
	var usage Usage
	var finishReason string
	toolCalls := make(map[int]*streamToolCall)
	var currentEventType string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return provider.ChatResponse{}, ctx.Err()
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable message_start", zap.Error(err))
				continue
			}
			if evt.Message != nil {
				modelUsed = evt.Message.Model
				if evt.Message.Usage.Total() > 0 {
					usage = evt.Message.Usage
				}
			}

		case "content_block_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable content_block_start", zap.Error(err))
				continue
			}
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				toolCalls[evt.Index] = &streamToolCall{ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
			}

		case "content_block_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable content_block_delta", zap.Error(err))
				continue
			}
			if evt.Delta == nil {
				continue
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					contentBuilder.WriteString(evt.Delta.Text)
					deltaCh <- provider.Delta{Content: evt.Delta.Text}
				}
			case "input_json_delta":
				if acc, ok := toolCalls[evt.Index]; ok {
					acc.ArgsBuilder.WriteString(evt.Delta.PartialJSON)
					deltaCh <- provider.Delta{ToolCalls: []provider.ToolCallDelta{{
						Index: evt.Index, ID: acc.ID, Name: acc.Name, ArgumentsFrag: evt.Delta.PartialJSON,
					}}}
				}
			case "thinking_delta":
				// Extended thinking content is not surfaced as an assistant delta.
			}

		case "message_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable message_delta", zap.Error(err))
				continue
			}
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				finishReason = evt.Delta.StopReason
			}
			if evt.Usage != nil && evt.Usage.Total() > 0 {
				usage = *evt.Usage
			}

		case "message_stop":
			// Stream complete; loop naturally ends at EOF.

		case "ping":
			// Heartbeat.

		default:
			logger.Debug("unknown Anthropic SSE event type", zap.String("type", currentEventType))
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			logger.Warn("SSE stream idle timeout — Anthropic API stalled", zap.Duration("idle_timeout", idleTimeout))
			if contentBuilder.Len() == 0 && len(toolCalls) == 0 {
				return provider.ChatResponse{}, fmt.Errorf("anthropic: SSE stream stalled: no data for %v", idleTimeout)
			}
		} else {
			return provider.ChatResponse{}, fmt.Errorf("anthropic: SSE scan error: %w", err)
		}
	}

	if finishReason != "" {
		deltaCh <- provider.Delta{FinishReason: finishReason}
	}

	msg := entity.Message{Role: entity.RoleAssistant, Content: contentBuilder.String()}
	// toolCalls is keyed by content-block index, which also counts text and
	// thinking blocks, so walk every index up to the highest one seen.
	maxIdx := -1
	for idx := range toolCalls {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	for i := 0; i <= maxIdx; i++ {
		acc, ok := toolCalls[i]
		if !ok {
			continue
		}
		var args map[string]interface{}
		if argsStr := acc.ArgsBuilder.String(); argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
				logger.Warn("failed to parse Anthropic tool call args", zap.String("tool", acc.Name), zap.Error(err))
				continue
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, entity.ToolCallInfo{ID: acc.ID, Name: acc.Name, Arguments: args})
	}

	return provider.ChatResponse{
		Message:    msg,
		Usage:      &entity.TokenUsage{InputTokens: int64(usage.InputTokens), OutputTokens: int64(usage.OutputTokens)},
		RawPayload: modelUsed,
	}, nil
}

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

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

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
