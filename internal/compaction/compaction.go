// Package compaction keeps conversation histories within a model's context
// window. A Compactor derives its thresholds from the model's context window
// size and, when the estimated token usage crosses the threshold, rewrites
// an old prefix of the history while preserving the most recent exchanges
// verbatim.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/catalog"
	"github.com/amcp-io/amcp/pkg/models"
)

// Strategy selects how the old prefix is compacted.
type Strategy string

const (
	// StrategySummary rewrites the prefix into a structured summary via the
	// model.
	StrategySummary Strategy = "summary"
	// StrategyTruncate drops the middle of the prefix, keeping its edges.
	StrategyTruncate Strategy = "truncate"
	// StrategySliding keeps the newest messages that fit the target budget.
	StrategySliding Strategy = "sliding_window"
	// StrategyHybrid is a sliding window plus a short summary of what was
	// dropped.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy maps a config value to a strategy, defaulting to summary.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyTruncate, StrategySliding, StrategyHybrid:
		return Strategy(s)
	default:
		return StrategySummary
	}
}

// Config controls when and how compaction runs.
type Config struct {
	Strategy            Strategy `yaml:"strategy" json:"strategy"`
	ThresholdRatio      float64  `yaml:"threshold_ratio" json:"threshold_ratio"`
	TargetRatio         float64  `yaml:"target_ratio" json:"target_ratio"`
	PreserveLast        int      `yaml:"preserve_last" json:"preserve_last"`
	PreserveToolResults bool     `yaml:"preserve_tool_results" json:"preserve_tool_results"`
	MaxToolResults      int      `yaml:"max_tool_results" json:"max_tool_results"`
	MinTokensToCompact  int      `yaml:"min_tokens_to_compact" json:"min_tokens_to_compact"`
	SafetyMargin        float64  `yaml:"safety_margin" json:"safety_margin"`
}

// DefaultConfig returns the standard compaction settings.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategySummary,
		ThresholdRatio:      0.7,
		TargetRatio:         0.3,
		PreserveLast:        6,
		PreserveToolResults: true,
		MaxToolResults:      10,
		MinTokensToCompact:  5000,
		SafetyMargin:        0.1,
	}
}

// Result reports what a compaction did.
type Result struct {
	OriginalTokens    int      `json:"original_tokens"`
	CompactedTokens   int      `json:"compacted_tokens"`
	MessagesRemoved   int      `json:"messages_removed"`
	MessagesPreserved int      `json:"messages_preserved"`
	Strategy          Strategy `json:"strategy"`
	Summary           string   `json:"summary,omitempty"`
}

// Summarizer produces summaries for the summary and hybrid strategies.
// Implemented by the agent runtime on top of the active LLM provider.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, maxTokens int) (string, error)
}

const summaryTemplate = `You are tasked with compacting a coding conversation context. This is critical for maintaining an effective working memory.

**Compression Rules:**
- MUST KEEP: Error messages, working solutions, current task state, file paths
- MERGE: Similar discussions into single summary
- REMOVE: Redundant explanations, failed attempts (keep lessons learned)
- CONDENSE: Long code/file content -> keep key parts, signatures, and structure only
- PRESERVE: Any information that would be needed to continue the current task

**Input Context (%d tokens):**

%s

**Output a concise summary (aim for %d tokens) in this structure:**

<current_task>
[What we're working on now - be specific about files and goals]
</current_task>

<completed>
- [Task]: [Brief outcome + key changes made]
</completed>

<code_state>
[Key files and their current state - signatures + key logic only]
[Include file paths that were modified]
</code_state>

<important>
[Any crucial context: errors, decisions made, constraints, blockers]
</important>`

// EstimateTokens approximates the token footprint of a history: roughly
// 4 characters per token, a fixed per-message role overhead, and a fixed
// overhead per tool call plus its serialized arguments.
func EstimateTokens(messages []models.Message) int {
	total := 0
	for i := range messages {
		total += estimateMessage(&messages[i])
	}
	return total
}

func estimateMessage(m *models.Message) int {
	n := 4 // role framing overhead
	n += len(m.Content) / 4
	for _, tc := range m.ToolCalls {
		n += 50
		n += len(tc.Input) / 4
	}
	return n
}

// Compactor applies the configured strategy when a history grows past the
// threshold derived from the model's context window.
type Compactor struct {
	model         string
	contextWindow int
	config        Config
	summarizer    Summarizer
	bus           *bus.Bus
	logger        *slog.Logger

	thresholdTokens int
	targetTokens    int
}

// New creates a compactor for the given model. The summarizer and bus may
// be nil; without a summarizer the summary strategy degrades to hybrid and
// hybrid to a plain marker message.
func New(model string, cfg Config, summarizer Summarizer, b *bus.Bus, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compactor{
		model:         model,
		contextWindow: catalog.StaticContextWindow(model),
		config:        cfg,
		summarizer:    summarizer,
		bus:           b,
		logger:        logger,
	}
	c.updateThresholds()
	return c
}

// SetContextWindow overrides the detected context window, e.g. from a
// catalog database or an explicit config value.
func (c *Compactor) SetContextWindow(w int) {
	if w > 0 {
		c.contextWindow = w
		c.updateThresholds()
	}
}

func (c *Compactor) updateThresholds() {
	available := int(math.Round(float64(c.contextWindow) * (1 - c.config.SafetyMargin)))
	c.thresholdTokens = int(math.Round(float64(available) * c.config.ThresholdRatio))
	c.targetTokens = int(math.Round(float64(available) * c.config.TargetRatio))
	if c.targetTokens < c.config.MinTokensToCompact {
		c.targetTokens = c.config.MinTokensToCompact
	}
}

// ContextWindow returns the active context window size in tokens.
func (c *Compactor) ContextWindow() int { return c.contextWindow }

// Threshold returns the token count above which compaction triggers.
func (c *Compactor) Threshold() int { return c.thresholdTokens }

// Target returns the post-compaction token goal.
func (c *Compactor) Target() int { return c.targetTokens }

// ShouldCompact reports whether the history has crossed the threshold.
// Tiny histories never compact.
func (c *Compactor) ShouldCompact(messages []models.Message) bool {
	current := EstimateTokens(messages)
	if current < c.config.MinTokensToCompact {
		return false
	}
	return current > c.thresholdTokens
}

// Usage describes the current token budget state for diagnostics.
type Usage struct {
	CurrentTokens   int     `json:"current_tokens"`
	ContextWindow   int     `json:"context_window"`
	ThresholdTokens int     `json:"threshold_tokens"`
	TargetTokens    int     `json:"target_tokens"`
	UsageRatio      float64 `json:"usage_ratio"`
	ShouldCompact   bool    `json:"should_compact"`
	HeadroomTokens  int     `json:"headroom_tokens"`
}

// TokenUsage returns the budget state for the given history.
func (c *Compactor) TokenUsage(messages []models.Message) Usage {
	current := EstimateTokens(messages)
	return Usage{
		CurrentTokens:   current,
		ContextWindow:   c.contextWindow,
		ThresholdTokens: c.thresholdTokens,
		TargetTokens:    c.targetTokens,
		UsageRatio:      float64(current) / float64(c.contextWindow),
		ShouldCompact:   current > c.thresholdTokens,
		HeadroomTokens:  c.contextWindow - current,
	}
}

// Compact rewrites the history according to the configured strategy and
// emits context.compacted. Histories of one message or fewer come back
// unchanged.
func (c *Compactor) Compact(ctx context.Context, sessionID string, messages []models.Message) ([]models.Message, Result) {
	if len(messages) <= 1 {
		n := EstimateTokens(messages)
		return messages, Result{
			OriginalTokens:    n,
			CompactedTokens:   n,
			MessagesPreserved: len(messages),
			Strategy:          c.config.Strategy,
		}
	}

	originalTokens := EstimateTokens(messages)
	toCompact, toPreserve := c.split(messages)
	if len(toCompact) == 0 {
		return messages, Result{
			OriginalTokens:    originalTokens,
			CompactedTokens:   originalTokens,
			MessagesPreserved: len(messages),
			Strategy:          c.config.Strategy,
		}
	}

	var compacted []models.Message
	var summary string
	strategy := c.config.Strategy
	switch strategy {
	case StrategyTruncate:
		compacted, summary = c.truncate(toCompact)
	case StrategySliding:
		compacted, summary = c.slidingWindow(toCompact)
	case StrategyHybrid:
		compacted, summary = c.hybrid(ctx, toCompact)
	default:
		compacted, summary, strategy = c.summarize(ctx, toCompact)
	}

	result := enforcePairing(append(compacted, toPreserve...))
	if len(result) == 0 {
		// History must never end up empty.
		result = toPreserve
		if len(result) == 0 {
			result = messages[len(messages)-1:]
		}
	}
	compactedTokens := EstimateTokens(result)

	c.emit(sessionID, originalTokens, compactedTokens, len(toCompact), strategy)
	c.logger.Info("compacted context",
		"session_id", sessionID,
		"original_tokens", originalTokens,
		"compacted_tokens", compactedTokens,
		"removed", len(toCompact),
		"strategy", string(strategy),
	)

	return result, Result{
		OriginalTokens:    originalTokens,
		CompactedTokens:   compactedTokens,
		MessagesRemoved:   len(toCompact),
		MessagesPreserved: len(result),
		Strategy:          strategy,
		Summary:           summary,
	}
}

// split finds the boundary between the compactable prefix and the preserved
// tail: the last preserve_last user/assistant messages plus up to
// max_tool_results recent tool results. The boundary never lands on a tool
// result, so every preserved result keeps its originating call.
func (c *Compactor) split(messages []models.Message) (toCompact, toPreserve []models.Message) {
	preserveIdx := len(messages)
	userAssistant := 0
	for i := len(messages) - 1; i >= 0; i-- {
		role := messages[i].Role
		if role == models.RoleUser || role == models.RoleAssistant {
			userAssistant++
			if userAssistant >= c.config.PreserveLast {
				preserveIdx = i
				break
			}
		}
	}

	if c.config.PreserveToolResults {
		toolCount := 0
		for i := preserveIdx - 1; i >= 0; i-- {
			if messages[i].Role != models.RoleTool {
				break
			}
			toolCount++
			if toolCount > c.config.MaxToolResults {
				break
			}
			preserveIdx = i
		}
	}

	// Never start the preserved tail on a tool result.
	for preserveIdx > 0 && preserveIdx < len(messages) && messages[preserveIdx].Role == models.RoleTool {
		preserveIdx--
	}

	return messages[:preserveIdx], messages[preserveIdx:]
}

func (c *Compactor) summarize(ctx context.Context, messages []models.Message) ([]models.Message, string, Strategy) {
	if c.summarizer == nil {
		compacted, summary := c.hybrid(ctx, messages)
		return compacted, summary, StrategyHybrid
	}

	prompt := fmt.Sprintf(summaryTemplate, EstimateTokens(messages), messagesToText(messages), c.targetTokens)
	maxTokens := c.targetTokens
	if maxTokens > 4000 {
		maxTokens = 4000
	}
	summary, err := c.summarizer.Summarize(ctx, prompt, maxTokens)
	if err != nil {
		c.logger.Warn("summarization failed, falling back to hybrid", "error", err)
		compacted, s := c.hybrid(ctx, messages)
		return compacted, s, StrategyHybrid
	}

	compacted := []models.Message{{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("[Previous context compacted - %d messages summarized]\n\n%s", len(messages), summary),
	}}
	return compacted, summary, StrategySummary
}

func (c *Compactor) truncate(messages []models.Message) ([]models.Message, string) {
	if len(messages) <= 4 {
		return messages, ""
	}
	first := messages[:2]
	last := messages[len(messages)-2:]
	removed := len(messages) - 4
	summary := fmt.Sprintf("[... %d messages truncated ...]", removed)

	out := make([]models.Message, 0, 5)
	out = append(out, first...)
	out = append(out, models.Message{Role: models.RoleAssistant, Content: summary})
	out = append(out, last...)
	return out, summary
}

func (c *Compactor) slidingWindow(messages []models.Message) ([]models.Message, string) {
	kept := c.keepRecent(messages, c.targetTokens)
	removed := len(messages) - len(kept)
	if removed == 0 {
		return kept, ""
	}
	summary := fmt.Sprintf("[... %d older messages removed ...]", removed)
	out := make([]models.Message, 0, len(kept)+1)
	out = append(out, models.Message{Role: models.RoleAssistant, Content: summary})
	out = append(out, kept...)
	return out, summary
}

func (c *Compactor) hybrid(ctx context.Context, messages []models.Message) ([]models.Message, string) {
	kept := c.keepRecent(messages, c.targetTokens/2)
	removed := messages[:len(messages)-len(kept)]
	if len(removed) == 0 {
		return kept, ""
	}

	summary := fmt.Sprintf("[%d older messages summarized]", len(removed))
	if c.summarizer != nil {
		text := messagesToText(removed)
		if len(text) > 10000 {
			text = text[:10000]
		}
		if s, err := c.summarizer.Summarize(ctx, "Summarize this conversation context in 2-3 paragraphs.\n\n"+text, 500); err == nil {
			summary = s
		}
	}

	out := make([]models.Message, 0, len(kept)+1)
	out = append(out, models.Message{Role: models.RoleAssistant, Content: "[Earlier context summary]\n" + summary})
	out = append(out, kept...)
	return out, summary
}

// keepRecent returns the longest suffix of messages fitting the token budget.
func (c *Compactor) keepRecent(messages []models.Message, budget int) []models.Message {
	total := 0
	i := len(messages)
	for i > 0 {
		n := estimateMessage(&messages[i-1])
		if total+n > budget {
			break
		}
		total += n
		i--
	}
	return messages[i:]
}

// enforcePairing drops tool results whose originating call is gone and
// strips tool calls whose results are gone, so a compacted history never
// carries half of a call/result pair.
func enforcePairing(messages []models.Message) []models.Message {
	calls := make(map[string]bool)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
	}
	results := make(map[string]bool)
	for _, m := range messages {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			results[m.ToolCallID] = true
		}
	}

	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleTool {
			if m.ToolCallID != "" && !calls[m.ToolCallID] {
				continue
			}
			out = append(out, m)
			continue
		}
		if len(m.ToolCalls) > 0 {
			kept := make([]models.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if results[tc.ID] {
					kept = append(kept, tc)
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && strings.TrimSpace(m.Content) == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func messagesToText(messages []models.Message) string {
	var parts []string
	for i, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, fmt.Sprintf("## Message %d (%s)\n%s", i+1, m.Role, m.Content))
		}
		for _, tc := range m.ToolCalls {
			args := string(tc.Input)
			if len(args) > 500 {
				args = args[:500] + "..."
			}
			parts = append(parts, fmt.Sprintf("[Tool call: %s]\nArgs: %s", tc.Name, args))
		}
	}
	return strings.Join(parts, "\n\n")
}

func (c *Compactor) emit(sessionID string, original, compacted, removed int, strategy Strategy) {
	if c.bus == nil {
		return
	}
	c.bus.EmitAsync(bus.New(bus.EventContextCompacted, sessionID, map[string]any{
		"original_tokens":  original,
		"compacted_tokens": compacted,
		"messages_removed": removed,
		"strategy":         string(strategy),
		"model":            c.model,
		"context_window":   c.contextWindow,
		"threshold_tokens": c.thresholdTokens,
	}))
}
