package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amcp-io/amcp/internal/agent"
)

// ThinkTool echoes the model's reasoning so it lands in the transcript
// without side effects.
type ThinkTool struct{}

// NewThinkTool creates a think tool.
func NewThinkTool() *ThinkTool { return &ThinkTool{} }

func (t *ThinkTool) Name() string { return "think" }

func (t *ThinkTool) Description() string {
	return "Use this tool for internal reasoning, planning, and organizing your thoughts before taking action."
}

func (t *ThinkTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"thought": map[string]any{
				"type":        "string",
				"description": "Your thoughts, plans, or reasoning",
			},
		},
		"required":             []string{"thought"},
		"additionalProperties": false,
	})
}

func (t *ThinkTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Thought string `json:"thought"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	return &agent.ToolResult{
		Content:  "Thinking: " + input.Thought,
		Metadata: map[string]any{"thought": input.Thought},
	}, nil
}
