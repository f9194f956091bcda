// Package metrics wires agentcore's Runner lifecycle into Prometheus,
// grounded on haasonsaas-nexus's internal/observability/metrics.go (same
// promauto-registered CounterVec/HistogramVec/GaugeVec shape, same
// Record-method-per-event convention) — scaled down from that package's
// channel/webhook/HTTP/database surface to the five events the Runner
// itself emits: agent runs, LLM calls, tool calls, token usage, and errors.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ngoclaw/agentcore/internal/domain/agent"
	"github.com/ngoclaw/agentcore/internal/domain/provider"
)

// Metrics holds the Prometheus collectors for one Runner's lifecycle events.
type Metrics struct {
	RunCounter        *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	LLMRequestCounter *prometheus.CounterVec
	LLMRequestLatency *prometheus.HistogramVec
	LLMTokensTotal    *prometheus.CounterVec
	ToolCallCounter   *prometheus.CounterVec
	ToolCallLatency   *prometheus.HistogramVec
	ErrorCounter      *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
}

// NewMetrics creates and registers all collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry; pass nil in production to register against
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_runs_total",
				Help: "Total number of Runner.Run invocations by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_run_duration_seconds",
				Help:    "Duration of a full Runner.Run invocation",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM calls by provider, model, and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		LLMRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of a single LLM call",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "direction"},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_calls_total",
				Help: "Total tool invocations by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_call_duration_seconds",
				Help:    "Duration of a single tool call",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_errors_total",
				Help: "Total errors by agent and error kind",
			},
			[]string{"agent", "kind"},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_active_runs",
				Help: "Number of Runner.Run invocations currently in flight",
			},
		),
	}
}

// RecordLLMRequest records one completed LLM call.
func (m *Metrics) RecordLLMRequest(provider, model, outcome string, duration time.Duration, inputTokens, outputTokens int64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, outcome).Inc()
	m.LLMRequestLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolCall records one completed tool call.
func (m *Metrics) RecordToolCall(tool string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.ToolCallCounter.WithLabelValues(tool, outcome).Inc()
	m.ToolCallLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRun records one completed Runner.Run invocation.
func (m *Metrics) RecordRun(agentName, outcome string, duration time.Duration) {
	m.RunCounter.WithLabelValues(agentName, outcome).Inc()
	m.RunDuration.WithLabelValues(agentName).Observe(duration.Seconds())
}

// RecordError increments the error counter for agentName/kind.
func (m *Metrics) RecordError(agentName, kind string) {
	m.ErrorCounter.WithLabelValues(agentName, kind).Inc()
}

type llmCallStart struct {
	at    time.Time
	model string
}

// MetricsHook adapts Metrics into the agent.Hooks contract so a Runner can
// be wired up with `agent.WithHooks(metrics.NewHook(m))` or passed as a
// RunConfig.Hooks run-level layer — grounded on the teacher's
// infrastructure/monitoring/metrics_hook.go (an AgentHook implementation
// wrapping its own in-process Metrics struct the same way) but backed by
// real Prometheus collectors instead of in-memory counters.
type MetricsHook struct {
	agent.NoOpHooks
	m *Metrics

	mu        sync.Mutex
	runStart  map[string]time.Time
	llmStart  map[string]llmCallStart
	toolStart map[string]time.Time
}

// NewHook builds a MetricsHook wrapping m.
func NewHook(m *Metrics) *MetricsHook {
	return &MetricsHook{
		m:         m,
		runStart:  map[string]time.Time{},
		llmStart:  map[string]llmCallStart{},
		toolStart: map[string]time.Time{},
	}
}

var _ agent.Hooks = (*MetricsHook)(nil)

func (h *MetricsHook) OnAgentStart(ctx context.Context, rc agent.RunContext) {
	h.m.ActiveRuns.Inc()
	h.mu.Lock()
	h.runStart[rc.RunID] = timeNow()
	h.mu.Unlock()
}

func (h *MetricsHook) OnAgentEnd(ctx context.Context, rc agent.RunContext, result interface{}) {
	h.m.ActiveRuns.Dec()
	h.mu.Lock()
	start, ok := h.runStart[rc.RunID]
	delete(h.runStart, rc.RunID)
	h.mu.Unlock()
	if ok {
		h.m.RecordRun(rc.AgentName, "success", timeNow().Sub(start))
	}
}

// OnLLMStart/OnLLMEnd key on RunID rather than agent name: two concurrent
// runs of the same Agent (spec §9's "Runner.run has no shared state"
// guarantee) must not clobber each other's in-flight timers. The
// "provider" label in RecordLLMRequest is filled with the agent name as
// the best available grouping dimension a Hooks observer has access to,
// since RunContext carries no provider identity.
func (h *MetricsHook) OnLLMStart(ctx context.Context, rc agent.RunContext, req provider.ChatRequest) {
	h.mu.Lock()
	h.llmStart[rc.RunID] = llmCallStart{at: timeNow(), model: req.Model}
	h.mu.Unlock()
}

func (h *MetricsHook) OnLLMEnd(ctx context.Context, rc agent.RunContext, resp provider.ChatResponse) {
	h.mu.Lock()
	start, ok := h.llmStart[rc.RunID]
	delete(h.llmStart, rc.RunID)
	h.mu.Unlock()

	var duration time.Duration
	if ok {
		duration = timeNow().Sub(start.at)
	}
	var in, out int64
	if resp.Usage != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	h.m.RecordLLMRequest(rc.AgentName, start.model, "success", duration, in, out)
}

// OnToolStart/OnToolEnd key on RunID+step+name: concurrent tool dispatch
// within one step (spec §4.1a) can invoke the same tool name more than
// once, and the Hooks contract carries no call ID — RunID+step narrows the
// collision window to same-tool-name-same-step, which is the best this
// signature allows.
func (h *MetricsHook) OnToolStart(ctx context.Context, rc agent.RunContext, name string, args map[string]interface{}) {
	h.mu.Lock()
	h.toolStart[toolKey(rc, name)] = timeNow()
	h.mu.Unlock()
}

func (h *MetricsHook) OnToolEnd(ctx context.Context, rc agent.RunContext, name, result string, success bool) {
	key := toolKey(rc, name)
	h.mu.Lock()
	start, ok := h.toolStart[key]
	delete(h.toolStart, key)
	h.mu.Unlock()

	var duration time.Duration
	if ok {
		duration = timeNow().Sub(start)
	}
	h.m.RecordToolCall(name, success, duration)
}

func toolKey(rc agent.RunContext, name string) string {
	return fmt.Sprintf("%s/%d/%s", rc.RunID, rc.Step, name)
}

func (h *MetricsHook) OnError(ctx context.Context, rc agent.RunContext, err error) {
	h.m.RecordError(rc.AgentName, "run_error")
}

// timeNow is a seam so tests can't accidentally depend on wall-clock
// ordering across goroutines; production always uses time.Now.
var timeNow = time.Now
