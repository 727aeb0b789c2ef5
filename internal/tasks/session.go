package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SessionTasks binds the manager to one parent session. It has the method
// set the task tool expects, so each session's tool registry gets its own
// scoped view.
type SessionTasks struct {
	manager   *Manager
	sessionID string
}

// ForSession returns a session-scoped view of the manager.
func (m *Manager) ForSession(sessionID string) *SessionTasks {
	return &SessionTasks{manager: m, sessionID: sessionID}
}

// Create starts a task attributed to this session and returns its id.
func (s *SessionTasks) Create(ctx context.Context, description, agentType string) (string, error) {
	task, err := s.manager.Create(ctx, description, agentType, s.sessionID)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// Status renders the task's current state.
func (s *SessionTasks) Status(taskID string) (string, error) {
	task, ok := s.manager.Get(taskID)
	if !ok {
		return "", fmt.Errorf("task not found: %s", taskID)
	}
	return task.StatusText(), nil
}

// Wait blocks for the task and renders its outcome.
func (s *SessionTasks) Wait(ctx context.Context, taskID string, timeout time.Duration) (string, error) {
	task, err := s.manager.Wait(ctx, taskID, timeout)
	if err != nil {
		return "", err
	}

	snap := task.snapshot()
	switch snap.State {
	case StateCompleted:
		return fmt.Sprintf("Task %s completed successfully!\n\nDuration: %dms\n\nResult:\n%s",
			snap.ID, task.Duration().Milliseconds(), snap.Result), nil
	case StateFailed:
		return fmt.Sprintf("Task %s failed: %s", snap.ID, snap.Error), nil
	case StateCancelled:
		return fmt.Sprintf("Task %s was cancelled", snap.ID), nil
	default:
		return fmt.Sprintf("Task %s is %s", snap.ID, snap.State), nil
	}
}

// Cancel stops a pending or running task.
func (s *SessionTasks) Cancel(taskID string) error {
	if !s.manager.Cancel(taskID) {
		return fmt.Errorf("could not cancel task %s (may not be running)", taskID)
	}
	return nil
}

// List renders this session's tasks, newest first.
func (s *SessionTasks) List() string {
	tasks := s.manager.List(s.sessionID)
	if len(tasks) == 0 {
		return "No tasks found."
	}

	lines := []string{"Tasks:"}
	running := 0
	for _, task := range tasks {
		snap := task.snapshot()
		if snap.State == StateRunning {
			running++
		}
		desc := snap.Description
		if len(desc) > 60 {
			desc = desc[:60] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s [%s] %s: %s", snap.ID, snap.State, snap.AgentType, desc))
	}
	lines = append(lines, fmt.Sprintf("Total: %d | Running: %d", len(tasks), running))
	return strings.Join(lines, "\n")
}
