package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/amcp-io/amcp/pkg/models"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	f.calls++
	return f.summary, f.err
}

func msg(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func longHistory(n int, size int) []models.Message {
	out := make([]models.Message, 0, n)
	filler := strings.Repeat("x", size)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out = append(out, msg(role, fmt.Sprintf("message %d: %s", i, filler)))
	}
	return out
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		messages []models.Message
		want     int
	}{
		{"empty", nil, 0},
		{"single short", []models.Message{msg(models.RoleUser, "hello!!!")}, 6},       // 4 overhead + 8/4
		{"two messages", []models.Message{msg(models.RoleUser, "12345678"), msg(models.RoleAssistant, "1234")}, 11},
		{
			"tool call overhead",
			[]models.Message{{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "t1", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)}},
			}},
			58, // 4 + 50 + 16/4
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.messages); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
	}{
		{"summary", StrategySummary},
		{"truncate", StrategyTruncate},
		{"sliding_window", StrategySliding},
		{"hybrid", StrategyHybrid},
		{"", StrategySummary},
		{"bogus", StrategySummary},
	}
	for _, tt := range tests {
		if got := ParseStrategy(tt.in); got != tt.want {
			t.Errorf("ParseStrategy(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestCompactor_Thresholds(t *testing.T) {
	c := New("claude-4.5-sonnet", DefaultConfig(), nil, nil, nil)

	if c.ContextWindow() != 200_000 {
		t.Errorf("expected 200000 context window, got %d", c.ContextWindow())
	}
	// available = 200000 * 0.9 = 180000; threshold = 126000; target = 54000.
	if c.Threshold() != 126_000 {
		t.Errorf("expected threshold 126000, got %d", c.Threshold())
	}
	if c.Target() != 54_000 {
		t.Errorf("expected target 54000, got %d", c.Target())
	}
}

func TestCompactor_ShouldCompact(t *testing.T) {
	cfg := DefaultConfig()
	c := New("unknown-model", cfg, nil, nil, nil) // 32k window
	c.SetContextWindow(10_000)                    // threshold 6300

	if c.ShouldCompact(longHistory(4, 100)) {
		t.Error("expected tiny history not to compact")
	}
	if !c.ShouldCompact(longHistory(40, 4000)) {
		t.Error("expected oversized history to compact")
	}
}

func TestCompactor_NoOpOnShortHistory(t *testing.T) {
	c := New("gpt-5.2", DefaultConfig(), nil, nil, nil)

	one := []models.Message{msg(models.RoleUser, "only")}
	out, res := c.Compact(context.Background(), "s1", one)
	if len(out) != 1 || res.MessagesRemoved != 0 {
		t.Errorf("expected one-message no-op, got %d messages, %+v", len(out), res)
	}
}

func TestCompactor_PreservesRecentExchanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyTruncate
	c := New("unknown-model", cfg, nil, nil, nil)

	history := longHistory(30, 200)
	out, res := c.Compact(context.Background(), "s1", history)

	if res.MessagesRemoved == 0 {
		t.Fatal("expected messages to be removed")
	}
	// The last preserve_last user/assistant messages survive verbatim.
	tail := history[len(history)-cfg.PreserveLast:]
	outTail := out[len(out)-cfg.PreserveLast:]
	for i := range tail {
		if outTail[i].Content != tail[i].Content {
			t.Errorf("preserved message %d altered: %q != %q", i, outTail[i].Content, tail[i].Content)
		}
	}
}

func TestCompactor_SummaryStrategy(t *testing.T) {
	cfg := DefaultConfig()
	s := &fakeSummarizer{summary: "<current_task>finish the parser</current_task>"}
	c := New("unknown-model", cfg, s, nil, nil)

	out, res := c.Compact(context.Background(), "s1", longHistory(30, 200))
	if res.Strategy != StrategySummary {
		t.Errorf("expected summary strategy, got %s", res.Strategy)
	}
	if s.calls != 1 {
		t.Errorf("expected one summarizer call, got %d", s.calls)
	}
	if out[0].Role != models.RoleSystem || !strings.Contains(out[0].Content, "finish the parser") {
		t.Errorf("expected system summary message first, got %+v", out[0])
	}
	if res.CompactedTokens >= res.OriginalTokens {
		t.Errorf("expected token reduction, got %d -> %d", res.OriginalTokens, res.CompactedTokens)
	}
}

func TestCompactor_SummaryFallsBackToHybrid(t *testing.T) {
	cfg := DefaultConfig()
	s := &fakeSummarizer{err: errors.New("model unavailable")}
	c := New("unknown-model", cfg, s, nil, nil)

	_, res := c.Compact(context.Background(), "s1", longHistory(30, 200))
	if res.Strategy != StrategyHybrid {
		t.Errorf("expected hybrid fallback, got %s", res.Strategy)
	}
}

func TestCompactor_SlidingWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategySliding
	c := New("unknown-model", cfg, nil, nil, nil)
	c.SetContextWindow(10_000)

	history := longHistory(60, 1000)
	out, res := c.Compact(context.Background(), "s1", history)
	if res.MessagesRemoved == 0 {
		t.Fatal("expected removal")
	}
	if !strings.Contains(out[0].Content, "older messages removed") {
		t.Errorf("expected removal marker first, got %q", out[0].Content)
	}
	if EstimateTokens(out) >= EstimateTokens(history) {
		t.Error("expected compacted history to be smaller")
	}
}

func TestCompactor_NeverLeavesHistoryEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategySliding
	cfg.PreserveLast = 0
	cfg.PreserveToolResults = false
	c := New("unknown-model", cfg, nil, nil, nil)

	out, _ := c.Compact(context.Background(), "s1", longHistory(10, 100))
	if len(out) == 0 {
		t.Fatal("compaction must never produce an empty history")
	}
}

func TestEnforcePairing(t *testing.T) {
	input := json.RawMessage(`{}`)
	messages := []models.Message{
		// Orphan tool result: its call was compacted away.
		{Role: models.RoleTool, ToolCallID: "gone", Content: "stale"},
		// Call whose result survives.
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "keep", Name: "bash", Input: input}}},
		{Role: models.RoleTool, ToolCallID: "keep", Content: "ok"},
		// Call-only assistant message whose result was dropped.
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "lost", Name: "grep", Input: input}}},
		{Role: models.RoleUser, Content: "next"},
	}

	out := enforcePairing(messages)

	for _, m := range out {
		if m.Role == models.RoleTool && m.ToolCallID == "gone" {
			t.Error("orphan tool result survived")
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "lost" {
				t.Error("tool call without result survived")
			}
		}
	}
	var keptResult bool
	for _, m := range out {
		if m.Role == models.RoleTool && m.ToolCallID == "keep" {
			keptResult = true
		}
	}
	if !keptResult {
		t.Error("paired tool result should survive")
	}
}

func TestCompactor_SplitNeverStartsPreserveOnToolResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreserveLast = 2
	cfg.PreserveToolResults = false
	c := New("unknown-model", cfg, nil, nil, nil)

	input := json.RawMessage(`{}`)
	messages := []models.Message{
		msg(models.RoleUser, "a"),
		msg(models.RoleAssistant, "b"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "t1", Name: "bash", Input: input}}},
		{Role: models.RoleTool, ToolCallID: "t1", Content: "out"},
		msg(models.RoleAssistant, "done"),
		msg(models.RoleUser, "next"),
	}

	_, preserve := c.split(messages)
	if len(preserve) > 0 && preserve[0].Role == models.RoleTool {
		t.Errorf("preserved tail starts on a tool result: %+v", preserve[0])
	}
}

func TestCompactor_TokenUsage(t *testing.T) {
	c := New("unknown-model", DefaultConfig(), nil, nil, nil)
	c.SetContextWindow(10_000)

	u := c.TokenUsage(longHistory(10, 400))
	if u.ContextWindow != 10_000 {
		t.Errorf("expected window 10000, got %d", u.ContextWindow)
	}
	if u.CurrentTokens <= 0 {
		t.Error("expected positive token estimate")
	}
	if u.HeadroomTokens != u.ContextWindow-u.CurrentTokens {
		t.Error("headroom mismatch")
	}
}
