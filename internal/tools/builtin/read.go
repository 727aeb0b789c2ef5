package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/amcp-io/amcp/internal/agent"
)

const (
	defaultReadMaxLines = 400
	maxLineLength       = 500
)

// ReadTool reads files as numbered lines, whole or by line ranges.
type ReadTool struct {
	workDir  string
	maxLines int
}

// NewReadTool creates a read tool anchored at workDir.
func NewReadTool(workDir string, maxLines int) *ReadTool {
	if maxLines <= 0 {
		maxLines = defaultReadMaxLines
	}
	return &ReadTool{workDir: workDir, maxLines: maxLines}
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a text file from the local workspace. Use relative paths from the current working directory."
}

func (t *ReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read (relative to the working directory)",
			},
			"ranges": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional list of line ranges like '1-200'",
			},
			"max_lines": map[string]any{
				"type":        "integer",
				"minimum":     1,
				"maximum":     5000,
				"description": "Maximum lines to return per block (default 400)",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	})
}

type lineRange struct {
	start, end int
}

// parseRange accepts "start-end" or a single line number. Out-of-range
// starts are corrected to 1 instead of erroring, which forgives the usual
// zero-indexing mistakes.
func parseRange(spec string) (lineRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "-" {
		return lineRange{1, 1}, nil
	}

	if n, err := strconv.Atoi(spec); err == nil {
		r := lineRange{n, n}
		if r.start < 1 {
			r.start, r.end = 1, 1
		}
		return r, nil
	}

	idx := strings.LastIndex(spec, "-")
	if idx <= 0 || idx == len(spec)-1 {
		return lineRange{}, fmt.Errorf("invalid range %q, expected 'start-end' or single line number", spec)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(spec[:idx]))
	end, err2 := strconv.Atoi(strings.TrimSpace(spec[idx+1:]))
	if err1 != nil || err2 != nil {
		return lineRange{}, fmt.Errorf("invalid range %q, expected 'start-end' or single line number", spec)
	}
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	return lineRange{start, end}, nil
}

func truncateLine(line string) string {
	if len(line) > maxLineLength {
		return line[:maxLineLength] + "..."
	}
	return line
}

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path     string   `json:"path"`
		Ranges   []string `json:"ranges"`
		MaxLines int      `json:"max_lines"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	resolved, err := resolvePath(t.workDir, input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return toolError(fmt.Sprintf("File not found: %s", resolved)), nil
		}
		return toolError(fmt.Sprintf("Failed to read file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError(fmt.Sprintf("Path is a directory, not a file: %s", resolved)), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("Failed to read file: %v", err)), nil
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")

	maxLines := input.MaxLines
	if maxLines <= 0 {
		maxLines = t.maxLines
	}

	ranges := make([]lineRange, 0, len(input.Ranges))
	if len(input.Ranges) == 0 {
		end := len(lines)
		if end < 1 {
			end = 1
		}
		ranges = append(ranges, lineRange{1, end})
	} else {
		for _, spec := range input.Ranges {
			r, err := parseRange(spec)
			if err != nil {
				return toolError(err.Error()), nil
			}
			ranges = append(ranges, r)
		}
	}

	var parts []string
	totalLines := 0
	for _, r := range ranges {
		start := r.start
		end := r.end
		if end > len(lines) {
			end = len(lines)
		}
		if start > end {
			continue
		}

		parts = append(parts, fmt.Sprintf("**%s:%d-%d**", resolved, start, end))
		emitted := 0
		for n := start; n <= end; n++ {
			if emitted >= maxLines {
				parts = append(parts, "... (truncated)")
				break
			}
			parts = append(parts, fmt.Sprintf("%6d | %s", n, truncateLine(lines[n-1])))
			emitted++
		}
		totalLines += emitted
	}

	return &agent.ToolResult{
		Content: strings.Join(parts, "\n"),
		Metadata: map[string]any{
			"file_path":   resolved,
			"blocks_read": len(ranges),
			"total_lines": totalLines,
		},
	}, nil
}
