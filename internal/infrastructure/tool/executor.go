// Package tool provides the built-in sample tools wired into agentcore
// agents, grounded on the teacher's infrastructure/tool package (same
// zap-logged, Typed/Bridge-adapted construction style, trimmed from a
// sandboxed-shell/skill-exec surface down to the wire-level tool contract
// SPEC_FULL.md actually needs: arithmetic and HTTP fetch).
package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
)

// CalculatorInput is the typed input schema for the Calculator tool.
type CalculatorInput struct {
	Op string  `json:"op"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

// CalculatorOutput is the typed result of a Calculator call.
type CalculatorOutput struct {
	Result float64 `json:"result"`
}

// Calculator implements domaintool.Typed over basic arithmetic — a
// minimal sample tool and a worked example of the typed bridge.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a calculator tool.
func NewCalculator(logger *zap.Logger) *Calculator {
	return &Calculator{logger: logger}
}

func (c *Calculator) Name() string        { return "calculator" }
func (c *Calculator) Description() string { return "Performs add, sub, mul, or div on two numbers." }

func (c *Calculator) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op": map[string]interface{}{"type": "string", "enum": []string{"add", "sub", "mul", "div"}},
			"a":  map[string]interface{}{"type": "number"},
			"b":  map[string]interface{}{"type": "number"},
		},
		"required": []string{"op", "a", "b"},
	}
}

func (c *Calculator) Call(ctx context.Context, in CalculatorInput) (CalculatorOutput, error) {
	switch in.Op {
	case "add":
		return CalculatorOutput{Result: in.A + in.B}, nil
	case "sub":
		return CalculatorOutput{Result: in.A - in.B}, nil
	case "mul":
		return CalculatorOutput{Result: in.A * in.B}, nil
	case "div":
		if in.B == 0 {
			return CalculatorOutput{}, domaintool.NewError(domaintool.ErrInvalidArguments, "division by zero", nil)
		}
		return CalculatorOutput{Result: in.A / in.B}, nil
	default:
		return CalculatorOutput{}, domaintool.NewError(domaintool.ErrInvalidArguments, fmt.Sprintf("unknown op %q", in.Op), nil)
	}
}

var _ domaintool.Typed[CalculatorInput, CalculatorOutput] = (*Calculator)(nil)

// WebFetchInput is the typed input schema for the WebFetch tool.
type WebFetchInput struct {
	URL string `json:"url"`
}

// WebFetchOutput is the typed result of a WebFetch call.
type WebFetchOutput struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

const webFetchMaxBodyBytes = 64 * 1024

// WebFetch performs a bounded GET request, grounded on the teacher's
// NewWebFetchTool — trimmed to a single GET with a capped response body
// instead of the teacher's scraping pipeline.
type WebFetch struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebFetch creates an HTTP fetch tool with a fixed request timeout.
func NewWebFetch(logger *zap.Logger) *WebFetch {
	return &WebFetch{client: &http.Client{Timeout: 15 * time.Second}, logger: logger}
}

func (w *WebFetch) Name() string        { return "web_fetch" }
func (w *WebFetch) Description() string { return "Fetches a URL over HTTP GET and returns its status and body." }

func (w *WebFetch) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"url": map[string]interface{}{"type": "string"}},
		"required":   []string{"url"},
	}
}

func (w *WebFetch) Call(ctx context.Context, in WebFetchInput) (WebFetchOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return WebFetchOutput{}, domaintool.NewError(domaintool.ErrInvalidArguments, "invalid URL", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return WebFetchOutput{}, domaintool.NewError(domaintool.ErrExecution, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBodyBytes))
	if err != nil {
		return WebFetchOutput{}, domaintool.NewError(domaintool.ErrExecution, "failed to read response body", err)
	}

	w.logger.Debug("web_fetch completed", zap.String("url", in.URL), zap.Int("status", resp.StatusCode))
	return WebFetchOutput{StatusCode: resp.StatusCode, Body: string(body)}, nil
}

var _ domaintool.Typed[WebFetchInput, WebFetchOutput] = (*WebFetch)(nil)

// RegisterBuiltins registers the sample built-in tools into reg.
func RegisterBuiltins(reg domaintool.Registry, logger *zap.Logger) error {
	builtins := []domaintool.Tool{
		domaintool.Bridge[CalculatorInput, CalculatorOutput](NewCalculator(logger)),
		domaintool.Bridge[WebFetchInput, WebFetchOutput](NewWebFetch(logger)),
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register builtin tool %s: %w", t.Name(), err)
		}
	}
	return nil
}
