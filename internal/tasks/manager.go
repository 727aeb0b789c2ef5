package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/pkg/models"
)

const (
	// DefaultMaxConcurrent bounds parallel sub-agent execution.
	DefaultMaxConcurrent = 5

	// DefaultMaxAge is how long finished tasks stay listable.
	DefaultMaxAge = time.Hour

	cleanupInterval = 5 * time.Minute
)

// Runner executes one sub-agent prompt to completion. *agent.Runtime
// satisfies this.
type Runner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// Options configures a Manager. Runner and Specs are required.
type Options struct {
	Runner Runner
	Specs  *agent.SpecRegistry
	Bus    *bus.Bus
	Logger *slog.Logger

	// WorkDir is the working directory sub-agents run in.
	WorkDir string

	// MaxConcurrent bounds parallel tasks (default 5).
	MaxConcurrent int

	// MaxAge is how long finished tasks are retained (default 1h).
	MaxAge time.Duration
}

// Manager tracks delegated sub-agent tasks through their lifecycle.
type Manager struct {
	opts Options
	sem  chan struct{}

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewManager creates a task manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Manager{
		opts:  opts,
		sem:   make(chan struct{}, opts.MaxConcurrent),
		tasks: make(map[string]*Task),
	}
}

// Start runs the retention sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupCompleted(m.opts.MaxAge); n > 0 {
					m.opts.Logger.Debug("cleaned up finished tasks", "count", n)
				}
			}
		}
	}()
}

// Create registers a task and starts it in the background. The agent type
// must resolve to a known spec; primary specs are downgraded to
// focused_coder so delegated work stays narrowly scoped.
func (m *Manager) Create(ctx context.Context, description, agentType, parentSessionID string) (*Task, error) {
	spec, ok := m.opts.Specs.Get(agentType)
	if !ok {
		return nil, fmt.Errorf("unknown agent type: %s (available: %s)", agentType, strings.Join(m.specNames(), ", "))
	}
	if spec.Mode == agent.ModePrimary {
		if sub, ok := m.opts.Specs.Get("focused_coder"); ok {
			spec = sub
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:              uuid.NewString()[:8],
		Description:     description,
		AgentType:       spec.Name,
		State:           StatePending,
		ParentSessionID: parentSessionID,
		CreatedAt:       time.Now(),
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.emit(bus.EventTaskCreated, task, map[string]any{
		"description": description,
		"agent_type":  spec.Name,
	})
	m.opts.Logger.Info("created task",
		"task_id", task.ID,
		"agent_type", spec.Name,
		"session_id", parentSessionID,
	)

	go m.execute(runCtx, task, spec)
	return task, nil
}

// execute runs the sub-agent under the concurrency limit and records the
// outcome. It owns all state transitions after pending.
func (m *Manager) execute(ctx context.Context, task *Task, spec *agent.AgentSpec) {
	defer close(task.done)

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finish(task, StateCancelled, "", "Task was cancelled")
		m.emit(bus.EventTaskCancelled, task, nil)
		return
	}

	task.mu.Lock()
	task.State = StateRunning
	task.StartedAt = time.Now()
	task.mu.Unlock()
	m.emit(bus.EventTaskStarted, task, nil)

	res, err := m.opts.Runner.Run(ctx, &agent.RunRequest{
		SessionID: "task-" + task.ID,
		Cwd:       m.opts.WorkDir,
		Prompt:    task.Description,
		History:   &taskHistory{},
		Spec:      spec,
	})

	switch {
	case ctx.Err() == context.Canceled:
		m.finish(task, StateCancelled, "", "Task was cancelled")
		m.emit(bus.EventTaskCancelled, task, nil)
		m.opts.Logger.Info("cancelled task", "task_id", task.ID)

	case err != nil:
		m.finish(task, StateFailed, "", err.Error())
		m.emit(bus.EventTaskFailed, task, map[string]any{"error": err.Error()})
		m.opts.Logger.Error("task failed", "task_id", task.ID, "error", err)

	default:
		m.finish(task, StateCompleted, res.Text, "")
		preview := res.Text
		if len(preview) > 500 {
			preview = preview[:500]
		}
		m.emit(bus.EventTaskCompleted, task, map[string]any{
			"result":      preview,
			"duration_ms": task.Duration().Milliseconds(),
		})
		m.opts.Logger.Info("completed task",
			"task_id", task.ID,
			"duration_ms", task.Duration().Milliseconds(),
		)
	}
}

func (m *Manager) finish(task *Task, state State, result, errMsg string) {
	task.mu.Lock()
	task.State = state
	task.CompletedAt = time.Now()
	task.Result = result
	task.Error = errMsg
	task.mu.Unlock()
}

// Get returns a task by id.
func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	return task, ok
}

// Wait blocks until the task finishes, the timeout elapses (when positive),
// or ctx is cancelled.
func (m *Manager) Wait(ctx context.Context, taskID string, timeout time.Duration) (*Task, error) {
	task, ok := m.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-task.done:
		return task, nil
	case <-timer:
		return nil, fmt.Errorf("timeout waiting for task %s", taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitAll blocks until every listed task finishes, sharing one deadline.
func (m *Manager) WaitAll(ctx context.Context, taskIDs []string, timeout time.Duration) ([]*Task, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out := make([]*Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := m.Wait(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// WaitAny blocks until the first of the listed tasks finishes.
func (m *Manager) WaitAny(ctx context.Context, taskIDs []string, timeout time.Duration) (*Task, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("no tasks to wait for")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	first := make(chan *Task, len(taskIDs))
	for _, id := range taskIDs {
		task, ok := m.Get(id)
		if !ok {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		go func(t *Task) {
			select {
			case <-t.done:
				first <- t
			case <-ctx.Done():
			}
		}(task)
	}

	select {
	case task := <-first:
		return task, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no task completed within timeout")
	}
}

// Cancel stops a pending or running task. It reports whether a
// cancellation was delivered.
func (m *Manager) Cancel(taskID string) bool {
	task, ok := m.Get(taskID)
	if !ok {
		return false
	}
	task.mu.Lock()
	cancellable := !isTerminal(task.State) && task.cancel != nil
	cancel := task.cancel
	task.mu.Unlock()
	if !cancellable {
		return false
	}
	cancel()
	return true
}

// List returns tasks, optionally filtered by parent session, newest first.
func (m *Manager) List(parentSessionID string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if parentSessionID != "" && task.ParentSessionID != parentSessionID {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CleanupCompleted drops finished tasks older than maxAge and returns how
// many were removed.
func (m *Manager) CleanupCompleted(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, task := range m.tasks {
		task.mu.Lock()
		expired := isTerminal(task.State) && !task.CompletedAt.IsZero() && task.CompletedAt.Before(cutoff)
		task.mu.Unlock()
		if expired {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// Stats reports current counts by state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Total:         len(m.tasks),
		ByState:       make(map[State]int),
		MaxConcurrent: m.opts.MaxConcurrent,
	}
	for _, task := range m.tasks {
		task.mu.Lock()
		stats.ByState[task.State]++
		task.mu.Unlock()
	}
	return stats
}

func (m *Manager) specNames() []string {
	specs := m.opts.Specs.List()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

func (m *Manager) emit(t bus.EventType, task *Task, extra map[string]any) {
	if m.opts.Bus == nil {
		return
	}
	payload := map[string]any{
		"task_id":     task.ID,
		"description": task.Description,
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.opts.Bus.EmitAsync(bus.New(t, task.ParentSessionID, payload))
}

// taskHistory is the throwaway conversation store for one sub-agent run.
type taskHistory struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (h *taskHistory) Messages() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Message(nil), h.msgs...)
}

func (h *taskHistory) Append(msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *taskHistory) Replace(msgs []models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append([]models.Message(nil), msgs...)
}
