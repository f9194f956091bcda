package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/service"
)

// Retry defaults grounded on the teacher's AgentLoopConfig.MaxRetries /
// RetryBaseWait clamp (domain/service/agent_loop.go's NewAgentLoop).
const (
	DefaultMaxRetries    = 3
	DefaultRetryBaseWait = 2 * time.Second
)

// CallWithRetry drives a single provider call through the teacher's
// callLLMWithRetry pattern (domain/service/llm_caller.go): exponential
// backoff (baseWait, 2*baseWait, 4*baseWait, ...) between attempts,
// cancellable via ctx, and a stop-retrying decision delegated to
// service.ClassifyError(err, ...).IsRetryable() rather than this package's
// own pattern match — auth/bad-request/content-filter/budget failures
// abort on the first attempt, transient failures (timeout, 5xx, rate
// limit) retry up to maxRetries times.
func CallWithRetry[T any](ctx context.Context, maxRetries int, baseWait time.Duration, logger *zap.Logger, providerName, model string, call func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseWait <= 0 {
		baseWait = DefaultRetryBaseWait
	}

	var lastErr error
	var zero T

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := baseWait * time.Duration(uint(1)<<uint(attempt-1))
			logger.Info("retrying LLM call",
				zap.String("provider", providerName),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxRetries),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		resp, err := call(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("LLM retry succeeded", zap.String("provider", providerName), zap.Int("attempt", attempt))
			}
			return resp, nil
		}

		lastErr = err
		llmErr := service.ClassifyError(err, providerName, model)
		if !llmErr.IsRetryable() {
			return zero, err
		}
		logger.Warn("LLM call failed, will retry if attempts remain",
			zap.String("provider", providerName),
			zap.Int("attempt", attempt),
			zap.String("kind", llmErr.Kind.String()),
			zap.Error(err),
		)
	}

	return zero, fmt.Errorf("llm: call failed after %d retries: %w", maxRetries, lastErr)
}
