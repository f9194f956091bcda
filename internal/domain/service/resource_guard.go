package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// CostGuard bounds a run's cumulative token spend and wall-clock duration.
// Grounded on the teacher's domain/service/guardrails.go CostGuard, which
// the Runner here uses as internal loop plumbing rather than user-facing
// guardrail.InputGuardrailCheck policy — a CostGuard trip is a resource
// exhaustion, not a safety tripwire.
type CostGuard struct {
	maxTokens   int64
	maxDuration time.Duration
	start       time.Time
	logger      *zap.Logger

	mu   sync.Mutex
	used int64
}

// NewCostGuard builds a CostGuard with the given token and duration budget.
// A zero maxTokens or maxDuration disables that dimension of the check.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostGuard{maxTokens: maxTokens, maxDuration: maxDuration, start: time.Now(), logger: logger}
}

// RecordUsage folds the given usage into the guard's running total and
// reports whether the run should abort on cost grounds.
func (g *CostGuard) RecordUsage(usage entity.TokenUsage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used += usage.InputTokens + usage.OutputTokens
	if g.maxTokens > 0 && g.used > g.maxTokens {
		return fmt.Errorf("cost guard: token budget exceeded (%d > %d)", g.used, g.maxTokens)
	}
	if g.maxDuration > 0 && time.Since(g.start) > g.maxDuration {
		return fmt.Errorf("cost guard: duration budget exceeded (%s > %s)", time.Since(g.start), g.maxDuration)
	}
	return nil
}

// ContextGuard warns and eventually hard-fails as a conversation's message
// history approaches a provider's context window.
type ContextGuard struct {
	maxTokens int
	warnRatio float64
	hardRatio float64
	logger    *zap.Logger

	warned bool
}

// NewContextGuard builds a ContextGuard for a model with the given context
// window, warning at warnRatio and hard-failing at hardRatio of maxTokens.
func NewContextGuard(maxTokens int, warnRatio, hardRatio float64, logger *zap.Logger) *ContextGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextGuard{maxTokens: maxTokens, warnRatio: warnRatio, hardRatio: hardRatio, logger: logger}
}

// Check inspects the current estimated token count and logs a one-time
// warning, returning an error once the hard ratio is crossed.
func (g *ContextGuard) Check(currentTokens int) error {
	if g.maxTokens <= 0 {
		return nil
	}
	ratio := float64(currentTokens) / float64(g.maxTokens)
	if ratio >= g.hardRatio {
		return fmt.Errorf("context guard: context window exhausted (%d/%d tokens, %.0f%%)", currentTokens, g.maxTokens, ratio*100)
	}
	if ratio >= g.warnRatio && !g.warned {
		g.warned = true
		g.logger.Warn("context window approaching limit",
			zap.Int("current_tokens", currentTokens),
			zap.Int("max_tokens", g.maxTokens),
			zap.Float64("ratio", ratio),
		)
	}
	return nil
}

// loopCall is one recorded tool invocation inside a LoopDetector's window.
type loopCall struct {
	name string
	sig  string
}

// LoopDetector watches a sliding window of recent tool invocations for
// repetition, surfacing a diagnostic string (never aborting the run itself —
// spec's error taxonomy has no dedicated loop-detected kind, so this is
// advisory plumbing the Runner writes to its logger).
type LoopDetector struct {
	windowSize    int
	threshold     int
	nameThreshold int
	logger        *zap.Logger

	mu      sync.Mutex
	history []loopCall
}

// NewLoopDetector builds a detector over the last windowSize calls,
// flagging a repeated identical (name, args) signature at threshold
// occurrences or a repeated bare name at nameThreshold occurrences.
func NewLoopDetector(windowSize, threshold, nameThreshold int, logger *zap.Logger) *LoopDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoopDetector{windowSize: windowSize, threshold: threshold, nameThreshold: nameThreshold, logger: logger}
}

// RecordName records a call by name only (arguments ignored) and returns a
// non-empty diagnostic once the bare name reaches threshold occurrences
// (its signature is the name itself, so the signature check applies) or
// nameThreshold occurrences.
func (d *LoopDetector) RecordName(toolName string) string {
	return d.record(toolName, toolName)
}

// Record records a call with its string-rendered arguments and returns a
// non-empty diagnostic once the exact (name, args) signature reaches
// threshold occurrences, or the bare name reaches nameThreshold.
func (d *LoopDetector) Record(toolName string, args ...string) string {
	sig := toolName
	if len(args) > 0 {
		sig = toolName + "(" + strings.Join(args, ",") + ")"
	}
	return d.record(toolName, sig)
}

func (d *LoopDetector) record(name, sig string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, loopCall{name: name, sig: sig})
	if len(d.history) > d.windowSize {
		d.history = d.history[len(d.history)-d.windowSize:]
	}

	var sigCount, nameCount int
	for _, c := range d.history {
		if c.sig == sig {
			sigCount++
		}
		if c.name == name {
			nameCount++
		}
	}

	if d.threshold > 0 && sigCount >= d.threshold {
		msg := fmt.Sprintf("loop detector: %q repeated %d times in the last %d calls", sig, sigCount, len(d.history))
		d.logger.Warn("possible tool-call loop detected", zap.String("signature", sig), zap.Int("count", sigCount))
		return msg
	}
	if d.nameThreshold > 0 && nameCount >= d.nameThreshold {
		msg := fmt.Sprintf("loop detector: tool %q called %d times in the last %d calls", name, nameCount, len(d.history))
		d.logger.Warn("possible tool-name loop detected", zap.String("name", name), zap.Int("count", nameCount))
		return msg
	}
	return ""
}
