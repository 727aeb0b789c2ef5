package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/patch"
)

// ApplyPatchTool applies a structured patch document to the workspace.
type ApplyPatchTool struct {
	workDir string
}

// NewApplyPatchTool creates an apply_patch tool anchored at workDir.
func NewApplyPatchTool(workDir string) *ApplyPatchTool {
	return &ApplyPatchTool{workDir: workDir}
}

func (t *ApplyPatchTool) Name() string { return "apply_patch" }

func (t *ApplyPatchTool) Description() string {
	return "Apply a patch in the *** Begin Patch / *** End Patch envelope format. " +
		"Supports Add File, Update File (with @@ hunks and Move to), and Delete File operations."
}

func (t *ApplyPatchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patch": map[string]any{
				"type":        "string",
				"description": "Full patch text, starting with '*** Begin Patch' and ending with '*** End Patch'",
			},
		},
		"required":             []string{"patch"},
		"additionalProperties": false,
	})
}

func (t *ApplyPatchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	parsed, err := patch.Parse(input.Patch)
	if err != nil {
		return toolError(err.Error()), nil
	}

	outcomes, err := patch.NewApplier(t.workDir).Apply(parsed)
	if err != nil {
		return toolError(err.Error()), nil
	}

	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		switch o.Type {
		case "renamed":
			lines = append(lines, fmt.Sprintf("%s: %s -> %s", o.Type, o.Path, o.MoveTo))
		default:
			lines = append(lines, fmt.Sprintf("%s: %s", o.Type, o.Path))
		}
	}

	return &agent.ToolResult{
		Content:  strings.Join(lines, "\n"),
		Metadata: map[string]any{"files_changed": len(outcomes)},
	}, nil
}
