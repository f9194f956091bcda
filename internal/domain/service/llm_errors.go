package service

import (
	"errors"
	"fmt"
	"strings"
)

// LLMErrorKind classifies provider failures for retry and reporting
// decisions. Grounded verbatim on the teacher's domain/service/llm_errors.go
// pattern-matching classifier.
type LLMErrorKind int

const (
	ErrKindTransient LLMErrorKind = iota
	ErrKindAuth
	ErrKindBadRequest
	ErrKindContentFilter
	ErrKindBudget
	ErrKindCancelled
)

func (k LLMErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindAuth:
		return "auth"
	case ErrKindBadRequest:
		return "bad_request"
	case ErrKindContentFilter:
		return "content_filter"
	case ErrKindBudget:
		return "budget"
	case ErrKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether this kind should be retried by a provider
// adapter (the Runner itself never retries — spec §7).
func (k LLMErrorKind) IsRetryable() bool {
	return k == ErrKindTransient
}

// LLMError is a structured, classified provider failure.
type LLMError struct {
	Kind       LLMErrorKind
	Message    string
	StatusCode int
	Provider   string
	Model      string
	Cause      error
}

func (e *LLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *LLMError) Unwrap() error { return e.Cause }

func (e *LLMError) IsRetryable() bool { return e.Kind.IsRetryable() }

// ClassifyError pattern-matches a raw provider error into an LLMError. If
// err is already classified it is returned unchanged.
func ClassifyError(err error, provider, model string) *LLMError {
	if err == nil {
		return nil
	}

	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded") {
		return &LLMError{Kind: ErrKindCancelled, Message: "request cancelled", Provider: provider, Model: model, Cause: err}
	}

	for _, p := range []string{"unauthorized", "invalid api key", "403", "authentication", "permission denied"} {
		if strings.Contains(errStr, p) {
			return &LLMError{Kind: ErrKindAuth, Message: "authentication failed", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}
		}
	}

	for _, p := range []string{"content filter", "content policy", "safety", "blocked", "harmful"} {
		if strings.Contains(errStr, p) {
			return &LLMError{Kind: ErrKindContentFilter, Message: "content filtered", Provider: provider, Model: model, Cause: err}
		}
	}

	for _, p := range []string{"bad request", "invalid argument", "model not found", "400", "invalid_request"} {
		if strings.Contains(errStr, p) {
			return &LLMError{Kind: ErrKindBadRequest, Message: "invalid request", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}
		}
	}

	for _, p := range []string{"budget", "quota", "insufficient", "billing"} {
		if strings.Contains(errStr, p) {
			return &LLMError{Kind: ErrKindBudget, Message: "budget or quota exceeded", Provider: provider, Model: model, Cause: err}
		}
	}

	return &LLMError{Kind: ErrKindTransient, Message: "transient error", StatusCode: extractStatusCode(errStr), Provider: provider, Model: model, Cause: err}
}

func extractStatusCode(errStr string) int {
	codes := map[string]int{
		"400": 400, "401": 401, "403": 403, "404": 404,
		"429": 429, "500": 500, "502": 502, "503": 503,
		"504": 504, "529": 529,
	}
	for code, num := range codes {
		if strings.Contains(errStr, code) {
			return num
		}
	}
	return 0
}
