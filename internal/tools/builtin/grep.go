package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/amcp-io/amcp/internal/agent"
)

const grepTimeout = 30 * time.Second

// GrepTool searches files by shelling out to ripgrep.
type GrepTool struct {
	workDir string
}

// NewGrepTool creates a grep tool anchored at workDir.
func NewGrepTool(workDir string) *GrepTool {
	return &GrepTool{workDir: workDir}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search for patterns in files using ripgrep. Returns matching lines with file paths and line numbers."
}

func (t *GrepTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Pattern to search for (regex supported)",
			},
			"paths": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Paths to search in (default: current directory)",
			},
			"ignore_case": map[string]any{
				"type":        "boolean",
				"description": "Case-insensitive search",
			},
			"hidden": map[string]any{
				"type":        "boolean",
				"description": "Search hidden files and directories",
			},
			"context": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": "Number of context lines to show around matches",
			},
			"globs": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "File glob patterns to filter (e.g. '*.go')",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	})
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern    string   `json:"pattern"`
		Paths      []string `json:"paths"`
		IgnoreCase bool     `json:"ignore_case"`
		Hidden     bool     `json:"hidden"`
		Context    int      `json:"context"`
		Globs      []string `json:"globs"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return toolError("pattern is required"), nil
	}

	if _, err := exec.LookPath("rg"); err != nil {
		return toolError("ripgrep (rg) not found on PATH. Please install ripgrep."), nil
	}

	paths := input.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	args := append([]string{input.Pattern}, paths...)
	args = append(args, "-n")
	if input.IgnoreCase {
		args = append(args, "-i")
	}
	if input.Hidden {
		args = append(args, "--hidden")
	}
	if input.Context > 0 {
		args = append(args, "-C", strconv.Itoa(input.Context))
	}
	for _, g := range input.Globs {
		args = append(args, "-g", g)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, grepTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "rg", args...)
	cmd.Dir = t.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return toolError("Search timed out after 30 seconds"), nil
	}

	switch {
	case err == nil:
		return &agent.ToolResult{
			Content: stdout.String(),
			Metadata: map[string]any{
				"pattern":     input.Pattern,
				"paths":       paths,
				"match_count": len(strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")),
			},
		}, nil

	case cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1:
		// rg exits 1 on zero matches
		return &agent.ToolResult{
			Content:  "No matches found.",
			Metadata: map[string]any{"pattern": input.Pattern, "match_count": 0},
		}, nil

	default:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("ripgrep exited with code %d", cmd.ProcessState.ExitCode())
		}
		return toolError(msg), nil
	}
}
