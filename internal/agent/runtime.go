// Package agent drives the session-bound tool-calling loop: prompt in,
// model streaming out, tool calls gated by hooks and the permission engine,
// results fed back until the model produces a tool-free answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/compaction"
	"github.com/amcp-io/amcp/internal/hooks"
	"github.com/amcp-io/amcp/internal/observability"
	"github.com/amcp-io/amcp/internal/permissions"
	"github.com/amcp-io/amcp/pkg/models"
)

const (
	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 120 * time.Second

	// DefaultMaxSteps caps loop iterations when neither the request nor
	// the spec sets a limit.
	DefaultMaxSteps = 300

	// maxToolResultChars truncates tool output fed back to the model.
	maxToolResultChars = 8000
)

// History is the conversation storage the loop operates on. The session
// manager owns the concrete store; the loop is its only writer while a
// prompt is active.
type History interface {
	Messages() []models.Message
	Append(msg models.Message)
	Replace(msgs []models.Message)
}

// Options wires the runtime's collaborators. Provider and Registry are
// required; everything else degrades gracefully when nil.
type Options struct {
	Provider    LLMProvider
	Registry    *Registry
	Permissions *permissions.Engine
	Hooks       *hooks.Manager
	Compactor   *compaction.Compactor
	Bus         *bus.Bus
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	ToolTimeout time.Duration
	MaxTokens   int

	// SystemContext supplies extra system prompt sections (project rules,
	// active skills). Called once per run so edits take effect on the
	// next prompt.
	SystemContext func() string
}

// Runtime executes agent loops. It is stateless across prompts; all
// per-conversation state lives in the History.
type Runtime struct {
	opts Options
}

// NewRuntime creates a runtime from options, applying defaults.
func NewRuntime(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	return &Runtime{opts: opts}
}

// RunRequest is one prompt submitted to the loop.
type RunRequest struct {
	SessionID   string
	Cwd         string
	Prompt      string
	Attachments []models.Attachment
	History     History
	Spec        *AgentSpec
	MaxSteps    int // 0 uses the spec's limit
	ToolTimeout time.Duration
	OnChunk     func(ResponseChunk)
}

// Stop reasons for a finished run.
const (
	StopComplete  = "complete"
	StopStepLimit = "step_limit"
	StopCancelled = "cancelled"
	StopBlocked   = "blocked"
)

// RunResult summarizes a finished run.
type RunResult struct {
	Text       string
	Steps      int
	Usage      models.TokenUsage
	StopReason string
}

// Run executes the agent loop for one prompt. It returns an error only
// for model-level failures; tool errors and denials are recovered inside
// the loop and fed back to the model.
func (r *Runtime) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	spec := req.Spec
	if spec == nil {
		spec = &AgentSpec{Name: "coder", MaxSteps: DefaultMaxSteps}
	}
	maxSteps := spec.MaxSteps
	if req.MaxSteps > 0 {
		maxSteps = req.MaxSteps
	}
	toolTimeout := r.opts.ToolTimeout
	if req.ToolTimeout > 0 {
		toolTimeout = req.ToolTimeout
	}

	req.History.Append(models.Message{
		SessionID:   req.SessionID,
		Role:        models.RoleUser,
		Content:     req.Prompt,
		Attachments: req.Attachments,
		CreatedAt:   time.Now(),
	})
	r.emit(bus.EventMessageStart, req.SessionID, map[string]any{"prompt": req.Prompt})

	if blocked, reason := r.runPromptHooks(ctx, req); blocked {
		r.emit(bus.EventMessageError, req.SessionID, map[string]any{
			"code":  "PROMPT_BLOCKED",
			"error": reason,
		})
		return &RunResult{StopReason: StopBlocked}, nil
	}

	r.maybeCompact(ctx, req)

	result := &RunResult{}
	schemas := r.opts.Registry.SchemaForSpec(spec)
	system := spec.RenderSystemPrompt(req.Cwd, time.Now())
	if r.opts.SystemContext != nil {
		if extra := strings.TrimSpace(r.opts.SystemContext()); extra != "" {
			system += "\n\n" + extra
		}
	}

	var lastText string
	for step := 1; step <= maxSteps; step++ {
		if err := r.checkCancelled(ctx, req.SessionID); err != nil {
			result.Text = lastText
			result.StopReason = StopCancelled
			return result, nil
		}
		result.Steps = step

		turn, err := r.completeTurn(ctx, req, spec, system, schemas)
		if err != nil {
			if isContextOverflow(err) && r.opts.Compactor != nil {
				r.forceCompact(ctx, req)
				turn, err = r.completeTurn(ctx, req, spec, system, schemas)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					r.emitCancelled(req.SessionID)
					result.Text = lastText
					result.StopReason = StopCancelled
					return result, nil
				}
				r.emit(bus.EventMessageError, req.SessionID, map[string]any{
					"code":  "LLM_ERROR",
					"error": err.Error(),
				})
				return nil, err
			}
		}
		result.Usage.Add(turn.inputTokens, turn.outputTokens)

		assistant := models.Message{
			SessionID: req.SessionID,
			Role:      models.RoleAssistant,
			Content:   turn.text,
			ToolCalls: turn.toolCalls,
			CreatedAt: time.Now(),
		}
		req.History.Append(assistant)
		if turn.text != "" {
			lastText = turn.text
		}

		if len(turn.toolCalls) == 0 {
			if r.runStopHooks(ctx, req, step, maxSteps) {
				continue
			}
			r.emit(bus.EventMessageComplete, req.SessionID, map[string]any{
				"content": turn.text,
				"steps":   step,
			})
			result.Text = turn.text
			result.StopReason = StopComplete
			return result, nil
		}

		// Tool calls execute sequentially in model order.
		for _, tc := range turn.toolCalls {
			if err := r.checkCancelled(ctx, req.SessionID); err != nil {
				result.Text = lastText
				result.StopReason = StopCancelled
				return result, nil
			}
			toolMsg := r.executeToolCall(ctx, req, tc, toolTimeout)
			req.History.Append(toolMsg)
		}
	}

	r.emit(bus.EventMessageError, req.SessionID, map[string]any{
		"code":  "STEP_LIMIT",
		"error": fmt.Sprintf("agent stopped after %d steps", maxSteps),
	})
	result.Text = lastText
	result.StopReason = StopStepLimit
	return result, nil
}

// turnResult accumulates one assistant turn from the stream.
type turnResult struct {
	text         string
	toolCalls    []models.ToolCall
	inputTokens  int
	outputTokens int
}

// completeTurn makes one model call, streaming chunks out as they arrive.
func (r *Runtime) completeTurn(ctx context.Context, req *RunRequest, spec *AgentSpec, system string, schemas []ToolSchema) (*turnResult, error) {
	creq := &CompletionRequest{
		Model:     spec.Model,
		System:    system,
		Messages:  historyToCompletion(req.History.Messages()),
		Tools:     schemas,
		MaxTokens: r.opts.MaxTokens,
	}

	start := time.Now()
	chunks, err := r.opts.Provider.Complete(ctx, creq)
	if err != nil {
		r.recordLLM(spec.Model, "error", start, 0, 0)
		return nil, err
	}

	var turn turnResult
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			r.recordLLM(spec.Model, "error", start, 0, 0)
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			r.emit(bus.EventMessageChunk, req.SessionID, map[string]any{"content": chunk.Text})
			r.send(req, ResponseChunk{Text: chunk.Text})
		}
		if chunk.Thinking != "" {
			r.emit(bus.EventAgentThinking, req.SessionID, map[string]any{"content": chunk.Thinking})
			r.send(req, ResponseChunk{Thinking: chunk.Thinking})
		}
		if chunk.ThinkingStart {
			r.send(req, ResponseChunk{ThinkingStart: true})
		}
		if chunk.ThinkingEnd {
			r.send(req, ResponseChunk{ThinkingEnd: true})
		}
		if chunk.ToolCall != nil {
			turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			turn.inputTokens = chunk.InputTokens
			turn.outputTokens = chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	turn.text = text.String()
	r.recordLLM(spec.Model, "success", start, turn.inputTokens, turn.outputTokens)
	return &turn, nil
}

// executeToolCall runs one tool call through the full gate sequence:
// PreToolUse hooks, permission check, dispatch with timeout, PostToolUse
// hooks. It always returns the tool-result message to append.
func (r *Runtime) executeToolCall(ctx context.Context, req *RunRequest, tc models.ToolCall, timeout time.Duration) models.Message {
	r.emit(bus.EventToolCallStart, req.SessionID, map[string]any{
		"tool":         tc.Name,
		"tool_call_id": tc.ID,
	})
	r.send(req, ResponseChunk{ToolCall: &tc})
	start := time.Now()

	args := decodeArgs(tc.Input)

	// PreToolUse hooks run first so they can rewrite the arguments the
	// permission engine sees.
	if r.opts.Hooks != nil {
		out := r.opts.Hooks.Execute(ctx, hooks.PreToolUse, hooks.Input{
			SessionID: req.SessionID,
			HookEvent: string(hooks.PreToolUse),
			Cwd:       req.Cwd,
			ToolName:  tc.Name,
			ToolInput: args,
			ToolUseID: tc.ID,
		})
		r.recordHook(string(hooks.PreToolUse), out)
		if out.UpdatedInput != nil {
			args = out.UpdatedInput
			if raw, err := json.Marshal(args); err == nil {
				tc.Input = raw
			}
		}
		if out.Decision == hooks.DecisionDeny {
			return r.denyResult(req, tc, "denied_by_hook: "+out.DecisionReason, start)
		}
	}

	if r.opts.Permissions != nil {
		err := r.opts.Permissions.Check(ctx, permissions.Request{
			ToolName:  tc.Name,
			Arguments: args,
			SessionID: req.SessionID,
			RequestID: tc.ID,
		})
		if err != nil {
			reason := "denied_by_policy: " + denialReason(err)
			return r.denyResult(req, tc, reason, start)
		}

		// Paths resolving outside the working directory need a separate
		// external_path decision on top of the tool's own rule.
		for _, p := range pathsOutsideWorkdir(req.Cwd, tc.Name, args) {
			err := r.opts.Permissions.Check(ctx, permissions.Request{
				ToolName:  "external_path",
				Arguments: map[string]any{"path": p, "tool": tc.Name},
				SessionID: req.SessionID,
				RequestID: tc.ID,
			})
			if err != nil {
				reason := "denied_by_policy: " + denialReason(err)
				return r.denyResult(req, tc, reason, start)
			}
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	result := r.opts.Registry.Execute(toolCtx, tc.Name, tc.Input)
	timedOut := toolCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()

	if timedOut {
		result = &ToolResult{
			Content: fmt.Sprintf("Tool execution timed out after %s", timeout),
			IsError: true,
		}
	}

	content := truncateResult(result.Content)
	isError := result.IsError

	if r.opts.Hooks != nil {
		out := r.opts.Hooks.Execute(ctx, hooks.PostToolUse, hooks.Input{
			SessionID:    req.SessionID,
			HookEvent:    string(hooks.PostToolUse),
			Cwd:          req.Cwd,
			ToolName:     tc.Name,
			ToolInput:    args,
			ToolResponse: map[string]any{"content": content, "is_error": isError},
			ToolUseID:    tc.ID,
		})
		r.recordHook(string(hooks.PostToolUse), out)
		if out.UpdatedResponse != nil {
			if c, ok := out.UpdatedResponse["content"].(string); ok {
				content = c
			}
		}
		if out.Decision == hooks.DecisionDeny && out.DecisionReason != "" {
			content = content + "\n[hook feedback] " + out.DecisionReason
			isError = true
		}
	}

	status := "success"
	if timedOut {
		status = "timeout"
	} else if isError {
		status = "error"
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordToolExecution(tc.Name, status, time.Since(start).Seconds())
	}

	if isError {
		payload := map[string]any{
			"tool":         tc.Name,
			"tool_call_id": tc.ID,
			"error":        content,
		}
		if timedOut {
			payload["code"] = "TIMEOUT"
		}
		r.emit(bus.EventToolCallError, req.SessionID, payload)
	} else {
		r.emit(bus.EventToolCallComplete, req.SessionID, map[string]any{
			"tool":         tc.Name,
			"tool_call_id": tc.ID,
			"duration_ms":  time.Since(start).Milliseconds(),
		})
	}
	r.send(req, ResponseChunk{ToolResult: &models.ToolResult{
		ToolCallID: tc.ID,
		Content:    content,
		IsError:    isError,
	}})

	return models.Message{
		SessionID:  req.SessionID,
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: tc.ID,
		CreatedAt:  time.Now(),
	}
}

// denyResult materializes a blocked tool call as a synthetic error result
// so the model can adjust course.
func (r *Runtime) denyResult(req *RunRequest, tc models.ToolCall, reason string, start time.Time) models.Message {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordToolExecution(tc.Name, "denied", time.Since(start).Seconds())
	}
	r.emit(bus.EventToolCallError, req.SessionID, map[string]any{
		"tool":         tc.Name,
		"tool_call_id": tc.ID,
		"error":        reason,
	})
	r.send(req, ResponseChunk{ToolResult: &models.ToolResult{
		ToolCallID: tc.ID,
		Content:    reason,
		IsError:    true,
	}})
	return models.Message{
		SessionID:  req.SessionID,
		Role:       models.RoleTool,
		Content:    reason,
		ToolCallID: tc.ID,
		CreatedAt:  time.Now(),
	}
}

// runPromptHooks executes UserPromptSubmit; feedback is appended as
// system context, a deny or continue=false blocks the prompt.
func (r *Runtime) runPromptHooks(ctx context.Context, req *RunRequest) (blocked bool, reason string) {
	if r.opts.Hooks == nil {
		return false, ""
	}
	out := r.opts.Hooks.Execute(ctx, hooks.UserPromptSubmit, hooks.Input{
		SessionID: req.SessionID,
		HookEvent: string(hooks.UserPromptSubmit),
		Cwd:       req.Cwd,
		Prompt:    req.Prompt,
	})
	r.recordHook(string(hooks.UserPromptSubmit), out)
	if out.Decision == hooks.DecisionDeny {
		return true, out.DecisionReason
	}
	if !out.Continue {
		return true, out.StopReason
	}
	if out.Feedback != "" {
		req.History.Append(models.Message{
			SessionID: req.SessionID,
			Role:      models.RoleSystem,
			Content:   out.Feedback,
			CreatedAt: time.Now(),
		})
	}
	return false, ""
}

// runStopHooks gives Stop hooks a chance to veto termination. Returns
// true when the loop should continue instead of completing.
func (r *Runtime) runStopHooks(ctx context.Context, req *RunRequest, step, maxSteps int) bool {
	if r.opts.Hooks == nil || step >= maxSteps {
		return false
	}
	out := r.opts.Hooks.Execute(ctx, hooks.Stop, hooks.Input{
		SessionID: req.SessionID,
		HookEvent: string(hooks.Stop),
		Cwd:       req.Cwd,
	})
	r.recordHook(string(hooks.Stop), out)
	if !out.BlockStop {
		return false
	}
	reason := out.DecisionReason
	if reason == "" {
		reason = "a stop hook requested continuation"
	}
	req.History.Append(models.Message{
		SessionID: req.SessionID,
		Role:      models.RoleSystem,
		Content:   reason,
		CreatedAt: time.Now(),
	})
	return true
}

// maybeCompact compacts the history when it crosses the threshold.
func (r *Runtime) maybeCompact(ctx context.Context, req *RunRequest) {
	if r.opts.Compactor == nil {
		return
	}
	messages := req.History.Messages()
	if !r.opts.Compactor.ShouldCompact(messages) {
		return
	}
	r.runPreCompactHooks(ctx, req)
	compacted, res := r.opts.Compactor.Compact(ctx, req.SessionID, messages)
	req.History.Replace(compacted)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordCompaction(string(res.Strategy))
	}
}

// forceCompact compacts regardless of threshold, used after a
// context-overflow model error.
func (r *Runtime) forceCompact(ctx context.Context, req *RunRequest) {
	if r.opts.Compactor == nil {
		return
	}
	r.runPreCompactHooks(ctx, req)
	compacted, res := r.opts.Compactor.Compact(ctx, req.SessionID, req.History.Messages())
	req.History.Replace(compacted)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordCompaction(string(res.Strategy))
	}
}

func (r *Runtime) runPreCompactHooks(ctx context.Context, req *RunRequest) {
	if r.opts.Hooks == nil {
		return
	}
	out := r.opts.Hooks.Execute(ctx, hooks.PreCompact, hooks.Input{
		SessionID: req.SessionID,
		HookEvent: string(hooks.PreCompact),
		Cwd:       req.Cwd,
	})
	r.recordHook(string(hooks.PreCompact), out)
}

func (r *Runtime) checkCancelled(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		r.emitCancelled(sessionID)
		return err
	}
	return nil
}

func (r *Runtime) emitCancelled(sessionID string) {
	r.emit(bus.EventMessageError, sessionID, map[string]any{
		"code":  "CANCELLED",
		"error": "prompt cancelled",
	})
}

func (r *Runtime) emit(t bus.EventType, sessionID string, payload map[string]any) {
	if r.opts.Bus == nil {
		return
	}
	r.opts.Bus.EmitAsync(bus.New(t, sessionID, payload))
}

func (r *Runtime) send(req *RunRequest, chunk ResponseChunk) {
	if req.OnChunk != nil {
		req.OnChunk(chunk)
	}
}

func (r *Runtime) recordLLM(model, status string, start time.Time, in, out int) {
	if r.opts.Metrics == nil {
		return
	}
	r.opts.Metrics.RecordLLMRequest(r.opts.Provider.Name(), model, status, time.Since(start).Seconds(), in, out)
}

func (r *Runtime) recordHook(event string, out hooks.Output) {
	if r.opts.Metrics == nil {
		return
	}
	status := "ok"
	switch {
	case out.Decision == hooks.DecisionDeny:
		status = "blocked"
	case !out.Success:
		status = "error"
	}
	r.opts.Metrics.RecordHookExecution(event, status)
}

// historyToCompletion converts stored messages to the provider shape.
// Tool messages become role "tool" entries carrying their result.
func historyToCompletion(messages []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			Attachments: m.Attachments,
		}
		if m.Role == models.RoleTool {
			cm.Content = ""
			cm.ToolResults = []models.ToolResult{{
				ToolCallID: m.ToolCallID,
				Content:    m.Content,
			}}
		}
		out = append(out, cm)
	}
	return out
}

// pathsOutsideWorkdir lists the path arguments of tc that resolve outside
// cwd, after the same tilde expansion and cleaning the file tools apply.
func pathsOutsideWorkdir(cwd, toolName string, args map[string]any) []string {
	if cwd == "" {
		return nil
	}

	var candidates []string
	switch toolName {
	case "read_file", "write_file", "edit_file":
		if p, ok := args["path"].(string); ok && p != "" {
			candidates = append(candidates, p)
		}
	case "grep":
		if list, ok := args["paths"].([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok && s != "" {
					candidates = append(candidates, s)
				}
			}
		}
	}

	var escaped []string
	for _, c := range candidates {
		p := strings.TrimSpace(c)
		if p == "~" || strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
			}
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		p = filepath.Clean(p)
		rel, err := filepath.Rel(cwd, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			escaped = append(escaped, p)
		}
	}
	return escaped
}

func decodeArgs(input json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &args)
	}
	return args
}

func truncateResult(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return s[:maxToolResultChars] + "… [truncated]"
}

func denialReason(err error) string {
	var denied *permissions.DeniedError
	if errors.As(err, &denied) {
		if denied.Reason != "" {
			return denied.Reason
		}
		return "blocked by permission rule"
	}
	if errors.Is(err, permissions.ErrRejected) {
		return "rejected by user"
	}
	return err.Error()
}

// isContextOverflow detects model errors caused by exceeding the context
// window, which trigger a forced compaction and one retry.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "maximum context")
}

// ProviderSummarizer adapts an LLMProvider to the compaction summarizer
// contract.
type ProviderSummarizer struct {
	Provider LLMProvider
	Model    string
}

// Summarize runs a single non-tool completion and collects the text.
func (s *ProviderSummarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	chunks, err := s.Provider.Complete(ctx, &CompletionRequest{
		Model:     s.Model,
		Messages:  []CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}
