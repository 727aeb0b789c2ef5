package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/amcp-io/amcp/internal/agent"
)

// EditTool replaces the first occurrence of an exact text fragment.
type EditTool struct {
	workDir string
}

// NewEditTool creates an edit tool anchored at workDir.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Edit a file by replacing old_text with new_text. The old_text must match exactly."
}

func (t *EditTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path to the file to edit"},
			"old_text": map[string]any{"type": "string", "description": "Text to search for (must match exactly)"},
			"new_text": map[string]any{"type": "string", "description": "Text to replace with"},
		},
		"required":             []string{"path", "old_text", "new_text"},
		"additionalProperties": false,
	})
}

func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	resolved, err := resolvePath(t.workDir, input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return toolError(fmt.Sprintf("File not found: %s", resolved)), nil
		}
		return toolError(fmt.Sprintf("Failed to edit file: %v", err)), nil
	}

	content := string(data)
	if !strings.Contains(content, input.OldText) {
		return toolError("old_text not found in file"), nil
	}

	updated := strings.Replace(content, input.OldText, input.NewText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return toolError(fmt.Sprintf("Failed to edit file: %v", err)), nil
	}

	return &agent.ToolResult{
		Content:  fmt.Sprintf("Successfully edited %s", resolved),
		Metadata: map[string]any{"file_path": resolved},
	}, nil
}
