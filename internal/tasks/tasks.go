// Package tasks implements sub-agent delegation for the task tool.
//
// The manager spawns sub-agents to run well-scoped prompts in parallel,
// bounded by a concurrency limit, and tracks their lifecycle so the parent
// agent can wait on, inspect, or cancel them.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Task is one unit of delegated work executed by a sub-agent.
type Task struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	AgentType       string         `json:"agent_type"`
	State           State          `json:"state"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// IsDone reports whether the task reached a terminal state.
func (t *Task) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return isTerminal(t.State)
}

func isTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Duration returns how long the task has been or was running.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartedAt.IsZero() {
		return 0
	}
	end := t.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartedAt)
}

// snapshot returns a copy of the task's exported fields under the lock.
func (t *Task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Task{
		ID:              t.ID,
		Description:     t.Description,
		AgentType:       t.AgentType,
		State:           t.State,
		ParentSessionID: t.ParentSessionID,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		Result:          t.Result,
		Error:           t.Error,
		Metadata:        t.Metadata,
	}
}

// StatusText renders a human-readable status report for the task tool.
func (t *Task) StatusText() string {
	s := t.snapshot()
	lines := []string{
		fmt.Sprintf("Task ID: %s", s.ID),
		fmt.Sprintf("Description: %s", s.Description),
		fmt.Sprintf("Agent Type: %s", s.AgentType),
		fmt.Sprintf("State: %s", s.State),
		fmt.Sprintf("Created: %s", s.CreatedAt.Format(time.RFC3339)),
	}
	if !s.StartedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Started: %s", s.StartedAt.Format(time.RFC3339)))
	}
	if !s.CompletedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Completed: %s", s.CompletedAt.Format(time.RFC3339)))
		lines = append(lines, fmt.Sprintf("Duration: %dms", t.Duration().Milliseconds()))
	}
	if s.Result != "" {
		preview := s.Result
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		lines = append(lines, "", "Result:", preview)
	}
	if s.Error != "" {
		lines = append(lines, "", "Error: "+s.Error)
	}
	return strings.Join(lines, "\n")
}

// Stats summarizes the manager's current load.
type Stats struct {
	Total         int           `json:"total"`
	ByState       map[State]int `json:"by_state"`
	MaxConcurrent int           `json:"max_concurrent"`
}
