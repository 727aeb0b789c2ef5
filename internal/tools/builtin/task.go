package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amcp-io/amcp/internal/agent"
)

// TaskManager is the sub-agent delegation surface the task tool drives.
// internal/tasks provides the implementation.
type TaskManager interface {
	Create(ctx context.Context, description, agentType string) (string, error)
	Status(taskID string) (string, error)
	Wait(ctx context.Context, taskID string, timeout time.Duration) (string, error)
	Cancel(taskID string) error
	List() string
}

// TaskTool spawns and manages parallel sub-agent tasks.
type TaskTool struct {
	manager TaskManager
}

// NewTaskTool creates a task tool backed by a manager.
func NewTaskTool(manager TaskManager) *TaskTool {
	return &TaskTool{manager: manager}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return `Spawn and manage parallel sub-agent tasks.

This tool allows you to delegate work to specialized sub-agents that
run in parallel. Use this for exploring multiple files simultaneously,
running analysis while continuing other work, or breaking complex tasks
into smaller parallel pieces.

Actions:
- create: Create a new task for a sub-agent to execute
- status: Check the status of a task
- wait: Wait for a task to complete and get results
- cancel: Cancel a running task
- list: List all tasks

Agent types: explorer (read-only exploration), planner (analysis and
planning), focused_coder (specific implementation tasks).`
}

func (t *TaskTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"create", "status", "wait", "cancel", "list"},
				"description": "Action to perform",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Task description (required for 'create' action)",
			},
			"agent_type": map[string]any{
				"type":        "string",
				"enum":        []string{"explorer", "planner", "focused_coder"},
				"description": "Type of agent for the task (default: focused_coder)",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task ID (required for status/wait/cancel actions)",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds for wait action",
			},
		},
		"required":             []string{"action"},
		"additionalProperties": false,
	})
}

func (t *TaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action      string  `json:"action"`
		Description string  `json:"description"`
		AgentType   string  `json:"agent_type"`
		TaskID      string  `json:"task_id"`
		Timeout     float64 `json:"timeout"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	switch input.Action {
	case "create":
		if input.Description == "" {
			return toolError("description is required for create"), nil
		}
		agentType := input.AgentType
		if agentType == "" {
			agentType = "focused_coder"
		}
		id, err := t.manager.Create(ctx, input.Description, agentType)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return &agent.ToolResult{
			Content:  fmt.Sprintf("Created task %s (%s): %s", id, agentType, input.Description),
			Metadata: map[string]any{"task_id": id},
		}, nil

	case "status":
		if input.TaskID == "" {
			return toolError("task_id is required for status"), nil
		}
		status, err := t.manager.Status(input.TaskID)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return &agent.ToolResult{Content: status}, nil

	case "wait":
		if input.TaskID == "" {
			return toolError("task_id is required for wait"), nil
		}
		timeout := time.Duration(input.Timeout * float64(time.Second))
		result, err := t.manager.Wait(ctx, input.TaskID, timeout)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return &agent.ToolResult{Content: result}, nil

	case "cancel":
		if input.TaskID == "" {
			return toolError("task_id is required for cancel"), nil
		}
		if err := t.manager.Cancel(input.TaskID); err != nil {
			return toolError(err.Error()), nil
		}
		return &agent.ToolResult{Content: fmt.Sprintf("Cancelled task %s", input.TaskID)}, nil

	case "list":
		return &agent.ToolResult{Content: t.manager.List()}, nil

	default:
		return toolError(fmt.Sprintf("Invalid action %q", input.Action)), nil
	}
}
