package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/amcp-io/amcp/internal/agent"
)

const (
	defaultBashTimeout = 30
	maxBashTimeout     = 600
)

// BashTool runs shell commands via /bin/sh -c in the session's working
// directory.
type BashTool struct {
	workDir        string
	defaultTimeout int
	maxTimeout     int
}

// NewBashTool creates a bash tool. Timeouts are in seconds.
func NewBashTool(workDir string, defaultTimeout, maxTimeout int) *BashTool {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultBashTimeout
	}
	if maxTimeout <= 0 {
		maxTimeout = maxBashTimeout
	}
	return &BashTool{workDir: workDir, defaultTimeout: defaultTimeout, maxTimeout: maxTimeout}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Execute bash commands. Use for file operations, running scripts, or system commands. Returns stdout and stderr."
}

func (t *BashTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Bash command to execute",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     maxBashTimeout,
				"description": "Timeout in seconds (default: 30)",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	})
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.Command == "" {
		return toolError("command is required"), nil
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	if timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", input.Command)
	cmd.Dir = t.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return toolError(fmt.Sprintf("Command timed out after %d seconds", timeout)), nil
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += fmt.Sprintf("\n[stderr]\n%s", stderr.String())
	}
	if output == "" {
		output = "(no output)"
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return toolError(fmt.Sprintf("Command failed: %v", err)), nil
		}
	}

	result := &agent.ToolResult{
		Content:  output,
		Metadata: map[string]any{"command": input.Command, "exit_code": exitCode},
	}
	if exitCode != 0 {
		result.IsError = true
		result.Content += fmt.Sprintf("\nCommand exited with code %d", exitCode)
	}
	return result, nil
}
