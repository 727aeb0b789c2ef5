// Package queue implements per-session priority message queues with busy
// tracking. It enforces the scheduling contract of the runtime: at most one
// active prompt per session, queued prompts ordered by priority with FIFO
// tiebreak, and atomic handoff from a finishing prompt to the next queued
// one.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/pkg/models"
)

// ErrSessionBusy is returned when a prompt with the reject strategy hits a
// busy session.
var ErrSessionBusy = errors.New("session is busy")

// ConflictStrategy selects how a prompt to a busy session is handled.
type ConflictStrategy string

const (
	// StrategyQueue enqueues the prompt for later execution.
	StrategyQueue ConflictStrategy = "queue"
	// StrategyReject fails the prompt immediately with ErrSessionBusy.
	StrategyReject ConflictStrategy = "reject"
)

// ParseConflictStrategy maps the wire name to a strategy, defaulting to queue.
func ParseConflictStrategy(s string) ConflictStrategy {
	if s == string(StrategyReject) {
		return StrategyReject
	}
	return StrategyQueue
}

// QueuedMessage is a prompt waiting for its session to become free.
type QueuedMessage struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	Prompt      string                 `json:"prompt"`
	Attachments []models.Attachment    `json:"attachments,omitempty"`
	Priority    models.MessagePriority `json:"priority"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	Metadata    map[string]any         `json:"metadata,omitempty"`

	seq uint64
}

// messageHeap orders by descending priority, then FIFO by enqueue sequence.
type messageHeap []*QueuedMessage

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(*QueuedMessage)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return msg
}

// Status describes a session's queue state.
type Status struct {
	SessionID     string   `json:"session_id"`
	Busy          bool     `json:"is_busy"`
	QueuedCount   int      `json:"queued_count"`
	QueuedPrompts []string `json:"queued_prompts"`
}

// Manager owns all session queues and the per-session busy flags.
// All state transitions are atomic under a single lock; the busy flag acts
// as the compare-and-set that makes "one active prompt per session" hold.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*messageHeap
	busy    map[string]bool
	seq     uint64
	bus     *bus.Bus
	nowFunc func() time.Time
}

// NewManager creates a queue manager. The bus may be nil (no events).
func NewManager(b *bus.Bus) *Manager {
	return &Manager{
		queues:  make(map[string]*messageHeap),
		busy:    make(map[string]bool),
		bus:     b,
		nowFunc: time.Now,
	}
}

func (m *Manager) emit(t bus.EventType, sessionID string, payload map[string]any) {
	if m.bus != nil {
		m.bus.EmitAsync(bus.New(t, sessionID, payload))
	}
}

func (m *Manager) queueLocked(sessionID string) *messageHeap {
	q, ok := m.queues[sessionID]
	if !ok {
		q = &messageHeap{}
		m.queues[sessionID] = q
	}
	return q
}

// Enqueue adds a prompt to the session's queue and emits prompt.queued.
func (m *Manager) Enqueue(sessionID, prompt string, attachments []models.Attachment, priority models.MessagePriority, metadata map[string]any) *QueuedMessage {
	m.mu.Lock()
	m.seq++
	msg := &QueuedMessage{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Prompt:      prompt,
		Attachments: attachments,
		Priority:    priority,
		EnqueuedAt:  m.nowFunc(),
		Metadata:    metadata,
		seq:         m.seq,
	}
	q := m.queueLocked(sessionID)
	heap.Push(q, msg)
	position := q.Len()
	m.mu.Unlock()

	m.emit(bus.EventPromptQueued, sessionID, map[string]any{
		"message_id": msg.ID,
		"priority":   priority.String(),
		"position":   position,
	})
	return msg
}

// Acquire atomically marks the session busy. It returns false if the
// session was already busy. On success it emits session.busy.
func (m *Manager) Acquire(sessionID string) bool {
	m.mu.Lock()
	if m.busy[sessionID] {
		m.mu.Unlock()
		return false
	}
	m.busy[sessionID] = true
	m.mu.Unlock()

	m.emit(bus.EventSessionBusy, sessionID, nil)
	return true
}

// Release frees the session. If the queue is non-empty it atomically
// re-acquires on behalf of the waiting prompt and returns the
// highest-priority message; the session stays busy. Otherwise it emits
// session.idle and returns nil.
func (m *Manager) Release(sessionID string) *QueuedMessage {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	if ok && q.Len() > 0 {
		msg := heap.Pop(q).(*QueuedMessage)
		// Session stays busy for the popped message's processor.
		m.busy[sessionID] = true
		m.mu.Unlock()
		return msg
	}
	delete(m.busy, sessionID)
	m.mu.Unlock()

	m.emit(bus.EventSessionIdle, sessionID, nil)
	return nil
}

// IsBusy reports whether the session is currently processing a prompt.
func (m *Manager) IsBusy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[sessionID]
}

// Count returns the number of queued messages for the session.
func (m *Manager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[sessionID]; ok {
		return q.Len()
	}
	return 0
}

// Clear removes all queued messages for the session and returns the count.
func (m *Manager) Clear(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		return 0
	}
	n := q.Len()
	*q = (*q)[:0]
	return n
}

// Remove drops all queue state for a deleted session.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, sessionID)
	delete(m.busy, sessionID)
}

// Status returns the queue status for a session.
func (m *Manager) Status(sessionID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		SessionID:     sessionID,
		Busy:          m.busy[sessionID],
		QueuedPrompts: []string{},
	}
	if q, ok := m.queues[sessionID]; ok {
		st.QueuedCount = q.Len()
		// Snapshot in heap-pop order without disturbing the live heap.
		tmp := make(messageHeap, q.Len())
		copy(tmp, *q)
		heap.Init(&tmp)
		for tmp.Len() > 0 {
			st.QueuedPrompts = append(st.QueuedPrompts, heap.Pop(&tmp).(*QueuedMessage).Prompt)
		}
	}
	return st
}

// BusySessions returns the ids of all busy sessions.
func (m *Manager) BusySessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.busy))
	for id := range m.busy {
		out = append(out, id)
	}
	return out
}
