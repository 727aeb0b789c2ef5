package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/queue"
	"github.com/amcp-io/amcp/pkg/models"
)

// DefaultMaxSessions bounds concurrent sessions per process.
const DefaultMaxSessions = 100

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMaxSessions is returned when the session limit is reached.
	ErrMaxSessions = errors.New("maximum sessions limit reached")

	// ErrAgentNotFound is returned for unknown agent names.
	ErrAgentNotFound = errors.New("agent not found")
)

// Runner executes one agent loop invocation. *agent.Runtime satisfies
// it.
type Runner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// Options wires the manager's collaborators.
type Options struct {
	Runner Runner
	Specs  *agent.SpecRegistry
	Queue  *queue.Manager
	Bus    *bus.Bus
	Store  *Store
	Logger *slog.Logger

	// WorkDir is the default session working directory.
	WorkDir string

	// DefaultAgent is used when create omits an agent name.
	DefaultAgent string

	MaxSessions int
}

// managed is the mutable server-side state of one session.
type managed struct {
	mu          sync.Mutex
	id          string
	cwd         string
	agentName   string
	status      models.SessionStatus
	usage       models.TokenUsage
	connections int
	createdAt   time.Time
	updatedAt   time.Time
	cancel      context.CancelFunc
}

// Manager owns all sessions: creation, lookup, prompt dispatch through
// the queue, cancellation, and deletion. Agent events already carry the
// session id, so bridging to the bus needs no extra translation here.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*managed
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "sessions")
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.DefaultAgent == "" {
		opts.DefaultAgent = "coder"
	}
	if opts.WorkDir == "" {
		opts.WorkDir, _ = os.Getwd()
	}
	if opts.Queue == nil {
		opts.Queue = queue.NewManager(opts.Bus)
	}
	if opts.Store == nil {
		opts.Store = NewStore("", false, opts.Logger)
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*managed),
	}
}

// Queue exposes the queue manager, for status endpoints.
func (m *Manager) Queue() *queue.Manager { return m.opts.Queue }

// Store exposes the history store, for history endpoints.
func (m *Manager) Store() *Store { return m.opts.Store }

func newSessionID() string {
	return "session-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create registers a new session. cwd and agentName fall back to the
// configured defaults.
func (m *Manager) Create(cwd, agentName string) (*models.Session, error) {
	if cwd == "" {
		cwd = m.opts.WorkDir
	}
	if agentName == "" {
		agentName = m.opts.DefaultAgent
	}
	if m.opts.Specs != nil {
		if _, ok := m.opts.Specs.Get(agentName); !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentName)
		}
	}

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrMaxSessions, m.opts.MaxSessions)
	}
	now := time.Now()
	sess := &managed{
		id:        newSessionID(),
		cwd:       cwd,
		agentName: agentName,
		status:    models.SessionIdle,
		createdAt: now,
		updatedAt: now,
	}
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	if err := m.opts.Store.Load(sess.id); err != nil {
		m.opts.Logger.Warn("failed to load session history", "session_id", sess.id, "error", err)
	}

	m.emit(bus.EventSessionCreated, sess.id, map[string]any{"agent_name": agentName, "cwd": cwd})
	m.opts.Logger.Info("session created", "session_id", sess.id, "agent", agentName)
	return m.snapshot(sess), nil
}

// Get returns the public view of a session.
func (m *Manager) Get(id string) (*models.Session, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(sess), nil
}

// List returns all sessions sorted by creation time, oldest first.
func (m *Manager) List() []*models.Session {
	m.mu.RLock()
	all := make([]*managed, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()

	result := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		result = append(result, m.snapshot(sess))
	}
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j].CreatedAt.Before(result[j-1].CreatedAt); j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}
	return result
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveCount returns the number of busy sessions.
func (m *Manager) ActiveCount() int {
	return len(m.opts.Queue.BusySessions())
}

// Delete removes a session, its queue state, and its history.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.mu.Lock()
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()

	m.opts.Queue.Remove(id)
	m.opts.Store.Remove(id)
	m.emit(bus.EventSessionDeleted, id, nil)
	m.opts.Logger.Info("session deleted", "session_id", id)
	return nil
}

// PromptRequest is one prompt submission.
type PromptRequest struct {
	Content          string
	Attachments      []models.Attachment
	Priority         models.MessagePriority
	ConflictStrategy queue.ConflictStrategy
	MaxSteps         int
	OnChunk          func(agent.ResponseChunk)
}

// PromptOutcome is either a finished run or a queued message.
type PromptOutcome struct {
	Result *agent.RunResult
	Queued *queue.QueuedMessage
}

// Prompt runs a prompt through the session's agent loop. A busy session
// either queues the prompt (default) or rejects it with
// queue.ErrSessionBusy. After the run finishes, queued prompts drain
// sequentially in priority order before the session goes idle.
func (m *Manager) Prompt(ctx context.Context, id string, req *PromptRequest) (*PromptOutcome, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	m.emit(bus.EventPromptReceived, id, map[string]any{"priority": req.Priority.String()})

	if !m.opts.Queue.Acquire(id) {
		if req.ConflictStrategy == queue.StrategyReject {
			m.emit(bus.EventPromptRejected, id, nil)
			return nil, fmt.Errorf("%w: %s", queue.ErrSessionBusy, id)
		}
		msg := m.opts.Queue.Enqueue(id, req.Content, req.Attachments, req.Priority, nil)
		return &PromptOutcome{Queued: msg}, nil
	}

	m.setStatus(sess, models.SessionBusy)

	result, err := m.execute(ctx, sess, req.Content, req.Attachments, req.MaxSteps, req.OnChunk)

	// Queued prompts drain in the background so this caller gets its
	// response immediately. Their output reaches clients through bus
	// events.
	if next := m.opts.Queue.Release(id); next != nil {
		go m.drain(sess, next)
	} else {
		m.finishPrompt(sess)
	}

	if err != nil {
		return nil, err
	}
	return &PromptOutcome{Result: result}, nil
}

// drain executes queued prompts sequentially in priority order, then
// returns the session to idle.
func (m *Manager) drain(sess *managed, next *queue.QueuedMessage) {
	for next != nil {
		if _, err := m.lookup(sess.id); err != nil {
			return
		}
		if _, err := m.execute(context.Background(), sess, next.Prompt, next.Attachments, 0, nil); err != nil {
			m.opts.Logger.Error("queued prompt failed", "session_id", sess.id, "error", err)
		}
		next = m.opts.Queue.Release(sess.id)
	}
	m.finishPrompt(sess)
}

// execute runs one prompt and updates the session counters.
func (m *Manager) execute(ctx context.Context, sess *managed, prompt string, attachments []models.Attachment, maxSteps int, onChunk func(agent.ResponseChunk)) (*agent.RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		sess.cancel = nil
		sess.mu.Unlock()
	}()

	var spec *agent.AgentSpec
	if m.opts.Specs != nil {
		spec, _ = m.opts.Specs.Get(sess.agentName)
	}

	m.emit(bus.EventPromptStarted, sess.id, nil)

	result, err := m.opts.Runner.Run(runCtx, &agent.RunRequest{
		SessionID:   sess.id,
		Cwd:         sess.cwd,
		Prompt:      prompt,
		Attachments: attachments,
		History:     m.opts.Store.History(sess.id),
		Spec:        spec,
		MaxSteps:    maxSteps,
		OnChunk:     onChunk,
	})

	sess.mu.Lock()
	sess.updatedAt = time.Now()
	if err != nil {
		sess.status = models.SessionError
	} else {
		sess.usage.Add(result.Usage.PromptTokens, result.Usage.CompletionTokens)
	}
	sess.mu.Unlock()

	return result, err
}

// Cancel aborts the session's running prompt and clears its queue.
// force is advisory: the in-flight tool call is awaited either way.
func (m *Manager) Cancel(id string, force bool) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.status = models.SessionCancelled
	sess.updatedAt = time.Now()
	sess.mu.Unlock()

	cleared := m.opts.Queue.Clear(id)
	m.emit(bus.EventSessionCancelled, id, map[string]any{"force": force, "cleared": cleared})
	m.emit(bus.EventSessionStatusChanged, id, map[string]any{"status": string(models.SessionCancelled)})
	return nil
}

// ClearHistory empties the session's conversation history.
func (m *Manager) ClearHistory(id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.opts.Store.Clear(id)
	return nil
}

// History returns up to limit messages from the session's history.
func (m *Manager) History(id string, limit int) ([]models.Message, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return m.opts.Store.Messages(id, limit), nil
}

func (m *Manager) lookup(id string) (*managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (m *Manager) setStatus(sess *managed, status models.SessionStatus) {
	sess.mu.Lock()
	sess.status = status
	sess.updatedAt = time.Now()
	sess.mu.Unlock()

	m.emit(bus.EventSessionStatusChanged, sess.id, map[string]any{"status": string(status)})
}

// finishPrompt returns the session to idle once its run and any queued
// drain have completed. A cancellation that landed mid-run also ends
// here: with no pending work left, the session is idle again.
func (m *Manager) finishPrompt(sess *managed) {
	m.setStatus(sess, models.SessionIdle)
}

// ClientConnected records a transport attaching to the session.
func (m *Manager) ClientConnected(id string) {
	sess, err := m.lookup(id)
	if err != nil {
		return
	}
	sess.mu.Lock()
	sess.connections++
	sess.mu.Unlock()
}

// ClientDisconnected records a transport detaching from the session.
func (m *Manager) ClientDisconnected(id string) {
	sess, err := m.lookup(id)
	if err != nil {
		return
	}
	sess.mu.Lock()
	if sess.connections > 0 {
		sess.connections--
	}
	sess.mu.Unlock()
}

// snapshot builds the public view of a session. The message count is
// derived from stored history, so user and assistant messages both
// count and a history clear resets it.
func (m *Manager) snapshot(sess *managed) *models.Session {
	messages := len(m.opts.Store.Messages(sess.id, 0))
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &models.Session{
		ID:           sess.id,
		Cwd:          sess.cwd,
		AgentName:    sess.agentName,
		Status:       sess.status,
		MessageCount: messages,
		TokenUsage:   sess.usage,
		QueuedCount:  m.opts.Queue.Count(sess.id),
		Connections:  sess.connections,
		CreatedAt:    sess.createdAt,
		UpdatedAt:    sess.updatedAt,
	}
}

func (m *Manager) emit(t bus.EventType, sessionID string, payload map[string]any) {
	if m.opts.Bus != nil {
		m.opts.Bus.EmitAsync(bus.New(t, sessionID, payload))
	}
}
