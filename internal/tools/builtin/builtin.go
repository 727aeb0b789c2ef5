// Package builtin implements the built-in agent tools: file access, shell,
// search, reasoning scratch-pads, patching, and sub-agent delegation.
package builtin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amcp-io/amcp/internal/agent"
)

// Options configures the built-in tool set for one session.
type Options struct {
	// WorkDir anchors relative paths. Defaults to the process cwd.
	WorkDir string

	// BashTimeout is the default command timeout (30s when zero).
	BashTimeout int

	// BashMaxTimeout caps the per-call timeout override (600s when zero).
	BashMaxTimeout int

	// ReadMaxLines bounds lines returned per block (400 when zero).
	ReadMaxLines int

	// Tasks enables the task tool when non-nil.
	Tasks TaskManager

	// EnableWrite and EnableEdit gate the mutating file tools.
	EnableWrite bool
	EnableEdit  bool
}

// Register adds the built-in tools to a registry.
func Register(reg *agent.Registry, opts Options) error {
	tools := []agent.Tool{
		NewReadTool(opts.WorkDir, opts.ReadMaxLines),
		NewGrepTool(opts.WorkDir),
		NewBashTool(opts.WorkDir, opts.BashTimeout, opts.BashMaxTimeout),
		NewThinkTool(),
		NewTodoTool(),
		NewApplyPatchTool(opts.WorkDir),
	}
	if opts.EnableWrite {
		tools = append(tools, NewWriteTool(opts.WorkDir))
	}
	if opts.EnableEdit {
		tools = append(tools, NewEditTool(opts.WorkDir))
	}
	if opts.Tasks != nil {
		tools = append(tools, NewTaskTool(opts.Tasks))
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}
	return nil
}

// toolError wraps a message as an error result without failing the call.
func toolError(msg string) *agent.ToolResult {
	return &agent.ToolResult{Content: msg, IsError: true}
}

// mustSchema marshals a schema map, degrading to a bare object on failure.
func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// resolvePath expands ~ and anchors relative paths at workDir.
func resolvePath(workDir, path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	if clean == "~" || strings.HasPrefix(clean, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		clean = filepath.Join(home, strings.TrimPrefix(clean, "~"))
	}
	if filepath.IsAbs(clean) {
		return filepath.Clean(clean), nil
	}
	if workDir == "" {
		workDir = "."
	}
	abs, err := filepath.Abs(filepath.Join(workDir, clean))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}
