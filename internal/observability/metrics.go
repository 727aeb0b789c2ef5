package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the agent runtime.
//
// The metric surface follows the request path: prompts enter sessions,
// sessions drive LLM requests, LLM turns dispatch tools, and every tool
// call passes through hooks and the permission engine. Queue depth and
// active-session gauges cover the scheduling side.
type Metrics struct {
	// PromptCounter counts prompts by outcome.
	// Labels: outcome (complete|error|cancelled|rejected)
	PromptCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// HookExecutionCounter counts hook handler runs.
	// Labels: event, status (ok|blocked|error|timeout)
	HookExecutionCounter *prometheus.CounterVec

	// PermissionDecisionCounter counts permission engine decisions.
	// Labels: tool_name, decision (allow|ask|deny|delegate)
	PermissionDecisionCounter *prometheus.CounterVec

	// CompactionCounter counts history compactions.
	// Labels: strategy
	CompactionCounter *prometheus.CounterVec

	// QueueDepth is a gauge tracking queued messages per session.
	// Labels: session_id
	QueueDepth *prometheus.GaugeVec

	// ActiveSessions is a gauge tracking current sessions by status.
	// Labels: status (idle|busy)
	ActiveSessions *prometheus.GaugeVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|session|tool|hook|server), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Call once at process start; the /metrics endpoint serves them.
func NewMetrics() *Metrics {
	return &Metrics{
		PromptCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_prompts_total",
				Help: "Total number of prompts processed by outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amcp_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amcp_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		HookExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_hook_executions_total",
				Help: "Total number of hook handler executions by event and status",
			},
			[]string{"event", "status"},
		),

		PermissionDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_permission_decisions_total",
				Help: "Total number of permission decisions by tool and decision",
			},
			[]string{"tool_name", "decision"},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_compactions_total",
				Help: "Total number of history compactions by strategy",
			},
			[]string{"strategy"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "amcp_queue_depth",
				Help: "Current number of queued messages per session",
			},
			[]string{"session_id"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "amcp_active_sessions",
				Help: "Current number of sessions by status",
			},
			[]string{"status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amcp_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amcp_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordPrompt increments the prompt counter for a given outcome.
func (m *Metrics) RecordPrompt(outcome string) {
	m.PromptCounter.WithLabelValues(outcome).Inc()
}

// RecordLLMRequest records metrics for a single LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordHookExecution records a hook handler run.
func (m *Metrics) RecordHookExecution(event, status string) {
	m.HookExecutionCounter.WithLabelValues(event, status).Inc()
}

// RecordPermissionDecision records a permission engine decision.
func (m *Metrics) RecordPermissionDecision(toolName, decision string) {
	m.PermissionDecisionCounter.WithLabelValues(toolName, decision).Inc()
}

// RecordCompaction records a history compaction.
func (m *Metrics) RecordCompaction(strategy string) {
	m.CompactionCounter.WithLabelValues(strategy).Inc()
}

// SetQueueDepth updates the queue depth gauge for a session.
func (m *Metrics) SetQueueDepth(sessionID string, depth int) {
	m.QueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

// DropQueueDepth removes a deleted session's gauge series.
func (m *Metrics) DropQueueDepth(sessionID string) {
	m.QueueDepth.DeleteLabelValues(sessionID)
}

// SetActiveSessions updates the session gauge for a status.
func (m *Metrics) SetActiveSessions(status string, n int) {
	m.ActiveSessions.WithLabelValues(status).Set(float64(n))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
