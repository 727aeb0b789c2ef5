package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amcp-io/amcp/internal/hooks"
	"github.com/amcp-io/amcp/internal/permissions"
	"github.com/amcp-io/amcp/pkg/models"
)

// fakeProvider streams a scripted sequence of turns.
type fakeProvider struct {
	turns [][]*CompletionChunk
	calls int
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	var turn []*CompletionChunk
	if p.calls < len(p.turns) {
		turn = p.turns[p.calls]
	} else {
		turn = p.turns[len(p.turns)-1]
	}
	p.calls++

	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)
		for _, c := range turn {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) Models() []Model     { return nil }
func (p *fakeProvider) SupportsTools() bool { return true }

func textTurn(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func toolTurn(id, name, input string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

// memHistory is an in-memory History for tests.
type memHistory struct {
	msgs []models.Message
}

func (h *memHistory) Messages() []models.Message { return append([]models.Message(nil), h.msgs...) }
func (h *memHistory) Append(m models.Message)    { h.msgs = append(h.msgs, m) }
func (h *memHistory) Replace(m []models.Message) { h.msgs = m }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRuntime(p LLMProvider, reg *Registry, opts ...func(*Options)) *Runtime {
	o := Options{
		Provider: p,
		Registry: reg,
		Logger:   quietLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewRuntime(o)
}

func allowAllEngine() *permissions.Engine {
	e := permissions.NewEngine(quietLogger())
	e.AddRules([]permissions.Rule{{Permission: "*", Pattern: "**", Action: permissions.ActionAllow}})
	return e
}

func TestRunSingleTurn(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{textTurn("hello")}}
	rt := newTestRuntime(p, NewRegistry())
	h := &memHistory{}

	var streamed strings.Builder
	res, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Prompt:    "hi",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
		OnChunk: func(c ResponseChunk) {
			streamed.WriteString(c.Text)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("expected text %q, got %q", "hello", res.Text)
	}
	if res.StopReason != StopComplete {
		t.Errorf("expected stop reason %q, got %q", StopComplete, res.StopReason)
	}
	if streamed.String() != "hello" {
		t.Errorf("expected streamed %q, got %q", "hello", streamed.String())
	}
	if len(h.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(h.msgs))
	}
	if h.msgs[0].Role != models.RoleUser || h.msgs[1].Role != models.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", h.msgs[0].Role, h.msgs[1].Role)
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", res.Usage.TotalTokens)
	}
}

func TestRunToolCallThenAnswer(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "bash", `{"command":"ls"}`),
		textTurn("two files"),
	}}
	reg := NewRegistry()
	var gotParams string
	if err := reg.Register(&stubTool{
		name: "bash",
		execute: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			gotParams = string(params)
			return &ToolResult{Content: "a.go\nb.go"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := newTestRuntime(p, reg, func(o *Options) { o.Permissions = allowAllEngine() })
	h := &memHistory{}
	res, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Prompt:    "list files in .",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "two files" {
		t.Errorf("expected final text, got %q", res.Text)
	}
	if gotParams != `{"command":"ls"}` {
		t.Errorf("tool saw params %q", gotParams)
	}

	// user, assistant(tool call), tool result, assistant text
	if len(h.msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(h.msgs))
	}
	if h.msgs[2].Role != models.RoleTool || h.msgs[2].ToolCallID != "call-1" {
		t.Errorf("expected paired tool result, got %+v", h.msgs[2])
	}
	if h.msgs[2].Content != "a.go\nb.go" {
		t.Errorf("unexpected tool content %q", h.msgs[2].Content)
	}
}

func TestRunPolicyDenialRecovers(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "bash", `{"command":"rm -rf /"}`),
		textTurn("I cannot run that command."),
	}}
	reg := NewRegistry()
	executed := false
	if err := reg.Register(&stubTool{
		name: "bash",
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			executed = true
			return &ToolResult{Content: "nope"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	engine := permissions.NewEngine(quietLogger())
	engine.AddRules([]permissions.Rule{{Permission: "bash", Pattern: "**", Action: permissions.ActionDeny}})

	rt := newTestRuntime(p, reg, func(o *Options) { o.Permissions = engine })
	h := &memHistory{}
	res, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Prompt:    "clean up",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("denied tool must not execute")
	}
	if res.StopReason != StopComplete {
		t.Errorf("expected completion after recovery, got %q", res.StopReason)
	}
	if !strings.HasPrefix(h.msgs[2].Content, "denied_by_policy:") {
		t.Errorf("expected denial result, got %q", h.msgs[2].Content)
	}
}

func TestRunExternalPathGated(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "read_file", `{"path":"/etc/hostname"}`),
		textTurn("that file is off limits"),
	}}
	reg := NewRegistry()
	executed := false
	if err := reg.Register(&stubTool{
		name: "read_file",
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			executed = true
			return &ToolResult{Content: "a-host"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Default rules allow read_file everywhere, but a path leaving the
	// working directory still needs an external_path approval, and no
	// approval channel is configured here.
	rt := newTestRuntime(p, reg, func(o *Options) {
		o.Permissions = permissions.NewEngine(quietLogger())
	})
	h := &memHistory{}
	res, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Cwd:       t.TempDir(),
		Prompt:    "what is the hostname",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("read outside the working directory must not execute unapproved")
	}
	if !strings.HasPrefix(h.msgs[2].Content, "denied_by_policy:") {
		t.Errorf("expected denial result, got %q", h.msgs[2].Content)
	}
	if res.StopReason != StopComplete {
		t.Errorf("expected completion after recovery, got %q", res.StopReason)
	}
}

func TestRunInsideWorkdirReadAllowed(t *testing.T) {
	dir := t.TempDir()
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "read_file", `{"path":"notes.txt"}`),
		textTurn("read it"),
	}}
	reg := NewRegistry()
	executed := false
	if err := reg.Register(&stubTool{
		name: "read_file",
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			executed = true
			return &ToolResult{Content: "notes"}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := newTestRuntime(p, reg, func(o *Options) {
		o.Permissions = permissions.NewEngine(quietLogger())
	})
	h := &memHistory{}
	if _, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Cwd:       dir,
		Prompt:    "read my notes",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !executed {
		t.Error("read inside the working directory should execute without approval")
	}
}

func TestPathsOutsideWorkdir(t *testing.T) {
	cwd := filepath.Join(string(filepath.Separator), "work", "project")
	tests := []struct {
		name string
		cwd  string
		tool string
		args map[string]any
		want int
	}{
		{"relative inside", cwd, "read_file", map[string]any{"path": "src/main.go"}, 0},
		{"absolute inside", cwd, "write_file", map[string]any{"path": filepath.Join(cwd, "out.txt")}, 0},
		{"absolute outside", cwd, "read_file", map[string]any{"path": "/etc/hostname"}, 1},
		{"dotdot escape", cwd, "edit_file", map[string]any{"path": "../secrets.txt"}, 1},
		{"grep paths mixed", cwd, "grep", map[string]any{"paths": []any{".", "/var/log"}}, 1},
		{"non-file tool", cwd, "bash", map[string]any{"command": "cat /etc/hostname"}, 0},
		{"empty cwd skips", "", "read_file", map[string]any{"path": "/etc/hostname"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pathsOutsideWorkdir(tt.cwd, tt.tool, tt.args); len(got) != tt.want {
				t.Errorf("expected %d escaping paths, got %v", tt.want, got)
			}
		})
	}
}

func TestRunHookDenial(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "deny.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"not in this repo\" >&2\nexit 2\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	hm := hooks.NewManager(dir, quietLogger())
	hm.Add(hooks.PreToolUse, hooks.Handler{Matcher: "bash", Type: "script", Script: script})

	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "bash", `{"command":"ls"}`),
		textTurn("done without bash"),
	}}
	reg := NewRegistry()
	if err := reg.Register(&stubTool{name: "bash"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := newTestRuntime(p, reg, func(o *Options) {
		o.Hooks = hm
		o.Permissions = allowAllEngine()
	})
	h := &memHistory{}
	if _, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Cwd:       dir,
		Prompt:    "list",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := "denied_by_hook: not in this repo"; h.msgs[2].Content != want {
		t.Errorf("expected %q, got %q", want, h.msgs[2].Content)
	}
}

func TestRunStepLimit(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "think", `{"thought":"hmm"}`),
	}}
	reg := NewRegistry()
	if err := reg.Register(&stubTool{name: "think"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := newTestRuntime(p, reg, func(o *Options) { o.Permissions = allowAllEngine() })
	h := &memHistory{}
	res, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Prompt:    "loop forever",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 300},
		MaxSteps:  3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopStepLimit {
		t.Errorf("expected step_limit, got %q", res.StopReason)
	}
	if res.Steps != 3 {
		t.Errorf("expected 3 steps, got %d", res.Steps)
	}
}

func TestRunZeroMaxStepsReturnsImmediately(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{textTurn("never")}}
	rt := newTestRuntime(p, NewRegistry())
	h := &memHistory{}
	res, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Prompt:    "hi",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 0},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps != 0 || res.StopReason != StopStepLimit {
		t.Errorf("expected immediate step-limit return, got %+v", res)
	}
	if p.calls != 0 {
		t.Errorf("model must not be called, got %d calls", p.calls)
	}
}

func TestRunCancellation(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{textTurn("hello")}}
	rt := newTestRuntime(p, NewRegistry())
	h := &memHistory{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := rt.Run(ctx, &RunRequest{
		SessionID: "session-1",
		Prompt:    "hi",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != StopCancelled {
		t.Errorf("expected cancelled, got %q", res.StopReason)
	}
}

func TestRunTruncatesToolResults(t *testing.T) {
	long := strings.Repeat("x", maxToolResultChars+500)
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "read_file", `{"path":"big.txt"}`),
		textTurn("read it"),
	}}
	reg := NewRegistry()
	if err := reg.Register(&stubTool{
		name: "read_file",
		execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: long}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := newTestRuntime(p, reg, func(o *Options) { o.Permissions = allowAllEngine() })
	h := &memHistory{}
	if _, err := rt.Run(context.Background(), &RunRequest{
		SessionID: "session-1",
		Prompt:    "read",
		History:   h,
		Spec:      &AgentSpec{Name: "coder", MaxSteps: 10},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.msgs[2].Content
	if !strings.HasSuffix(got, "… [truncated]") {
		t.Errorf("expected truncation marker, got tail %q", got[len(got)-30:])
	}
	if len(got) >= len(long) {
		t.Errorf("expected truncated content, got %d chars", len(got))
	}
}

func TestRunToolTimeout(t *testing.T) {
	p := &fakeProvider{turns: [][]*CompletionChunk{
		toolTurn("call-1", "bash", `{"command":"sleep 10"}`),
		textTurn("gave up"),
	}}
	reg := NewRegistry()
	if err := reg.Register(&stubTool{
		name: "bash",
		execute: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := newTestRuntime(p, reg, func(o *Options) { o.Permissions = allowAllEngine() })
	h := &memHistory{}
	if _, err := rt.Run(context.Background(), &RunRequest{
		SessionID:   "session-1",
		Prompt:      "slow",
		History:     h,
		Spec:        &AgentSpec{Name: "coder", MaxSteps: 10},
		ToolTimeout: 50 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(h.msgs[2].Content, "timed out after") {
		t.Errorf("expected timeout result, got %q", h.msgs[2].Content)
	}
}

func TestHistoryToCompletionToolRole(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "bash", Input: json.RawMessage(`{}`)}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "out"},
	}
	cm := historyToCompletion(msgs)
	if len(cm) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(cm))
	}
	if cm[2].Role != "tool" || len(cm[2].ToolResults) != 1 {
		t.Fatalf("unexpected tool conversion: %+v", cm[2])
	}
	if cm[2].ToolResults[0].ToolCallID != "c1" || cm[2].ToolResults[0].Content != "out" {
		t.Errorf("tool result not carried: %+v", cm[2].ToolResults[0])
	}
	if cm[2].Content != "" {
		t.Errorf("tool message content should move into the result, got %q", cm[2].Content)
	}
}
