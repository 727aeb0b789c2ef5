package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/amcp-io/amcp/internal/agent"
)

var todoStatuses = map[string]string{
	"pending":     "[ ]",
	"in_progress": "[>]",
	"completed":   "[x]",
	"cancelled":   "[-]",
}

// TodoItem is one entry in the session todo list.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// TodoTool keeps a task list shared across the session's tool calls. The
// write action replaces the whole list.
type TodoTool struct {
	mu    sync.Mutex
	todos []TodoItem
}

// NewTodoTool creates an empty todo tool.
func NewTodoTool() *TodoTool { return &TodoTool{} }

func (t *TodoTool) Name() string { return "todo" }

func (t *TodoTool) Description() string {
	return "Manage a todo list to track tasks. Use action='read' to view current todos, " +
		"action='write' with a complete list to update. Helps organize complex multi-step tasks."
}

func (t *TodoTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"read", "write"},
				"description": "Action to perform: 'read' to view todos, 'write' to update the list",
			},
			"todos": map[string]any{
				"type":        "array",
				"description": "Complete list of todos (required for 'write' action)",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":      map[string]any{"type": "string", "description": "Unique identifier for the todo"},
						"content": map[string]any{"type": "string", "description": "Description of the task"},
						"status": map[string]any{
							"type":        "string",
							"enum":        []string{"pending", "in_progress", "completed", "cancelled"},
							"description": "Status of the todo (default: pending)",
						},
					},
					"required": []string{"id", "content"},
				},
			},
		},
		"required":             []string{"action"},
		"additionalProperties": false,
	})
}

func (t *TodoTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action string     `json:"action"`
		Todos  []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	switch input.Action {
	case "read":
		return t.read(), nil
	case "write":
		return t.write(input.Todos), nil
	default:
		return toolError(fmt.Sprintf("Invalid action %q. Use 'read' or 'write'.", input.Action)), nil
	}
}

func (t *TodoTool) read() *agent.ToolResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.todos) == 0 {
		return &agent.ToolResult{Content: "No todos.", Metadata: map[string]any{"count": 0}}
	}

	lines := []string{"## Todo List", ""}
	for _, todo := range t.todos {
		status := todo.Status
		if status == "" {
			status = "pending"
		}
		marker, ok := todoStatuses[status]
		if !ok {
			marker = "[ ]"
		}
		lines = append(lines, fmt.Sprintf("%s [%s] %s (%s)", marker, todo.ID, todo.Content, status))
	}
	return &agent.ToolResult{
		Content:  strings.Join(lines, "\n"),
		Metadata: map[string]any{"count": len(t.todos)},
	}
}

func (t *TodoTool) write(todos []TodoItem) *agent.ToolResult {
	seen := make(map[string]bool, len(todos))
	for i, todo := range todos {
		if todo.ID == "" || todo.Content == "" {
			return toolError(fmt.Sprintf("Todo %d missing 'id' or 'content'", i))
		}
		if todo.Status != "" {
			if _, ok := todoStatuses[todo.Status]; !ok {
				return toolError(fmt.Sprintf("Invalid status for todo %s", todo.ID))
			}
		}
		if seen[todo.ID] {
			return toolError("Todo IDs must be unique")
		}
		seen[todo.ID] = true
	}

	t.mu.Lock()
	t.todos = todos
	t.mu.Unlock()

	return &agent.ToolResult{
		Content:  fmt.Sprintf("Updated %d todos.", len(todos)),
		Metadata: map[string]any{"count": len(todos)},
	}
}
