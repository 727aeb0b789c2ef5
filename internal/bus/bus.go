// Package bus provides the process-wide publish/subscribe event system.
//
// The bus is a leaf: it holds no references back into sessions, agents, or
// transports. Producers emit Events carrying session ids; consumers attach
// handlers with optional type and session filters. Handlers run in
// descending priority order, insertion-ordered within a priority class, and
// events for a single session are observed in the order emitted.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of event, using dotted string identifiers.
type EventType string

const (
	// Connection events
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventHeartbeat    EventType = "heartbeat"

	// Session lifecycle
	EventSessionCreated       EventType = "session.created"
	EventSessionDeleted       EventType = "session.deleted"
	EventSessionStatusChanged EventType = "session.status_changed"
	EventSessionBusy          EventType = "session.busy"
	EventSessionIdle          EventType = "session.idle"
	EventSessionCancelled     EventType = "session.cancelled"

	// Message streaming
	EventMessageStart    EventType = "message.start"
	EventMessageChunk    EventType = "message.chunk"
	EventMessageComplete EventType = "message.complete"
	EventMessageError    EventType = "message.error"

	// Tool execution
	EventToolCallStart    EventType = "tool.call_start"
	EventToolCallComplete EventType = "tool.call_complete"
	EventToolCallError    EventType = "tool.call_error"

	// Agent state
	EventAgentThinking EventType = "agent.thinking"
	EventAgentIdle     EventType = "agent.idle"

	// Prompt queueing
	EventPromptReceived EventType = "prompt.received"
	EventPromptStarted  EventType = "prompt.started"
	EventPromptQueued   EventType = "prompt.queued"
	EventPromptRejected EventType = "prompt.rejected"

	// Context management
	EventContextCompacted EventType = "context.compacted"

	// Permission flow
	EventApprovalRequired EventType = "approval.required"
	EventApprovalAnswered EventType = "approval.answered"

	// Sub-agent delegation
	EventTaskCreated   EventType = "task.created"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	// System
	EventShutdown EventType = "system.shutdown"
)

// Priority orders handler dispatch. Higher priorities run first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 100
	PriorityCritical Priority = 200
)

// Event is a single occurrence published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an Event with id and timestamp filled in.
func New(t EventType, sessionID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// HandlerFunc processes a single event. Panics are recovered and logged;
// they never abort dispatch to other handlers.
type HandlerFunc func(ctx context.Context, ev Event)

type handler struct {
	id            string
	types         map[EventType]bool // nil = all
	fn            HandlerFunc
	priority      Priority
	sessionFilter string
	once          bool
	seq           uint64
}

func (h *handler) matches(ev Event) bool {
	if h.types != nil && !h.types[ev.Type] {
		return false
	}
	if h.sessionFilter != "" && ev.SessionID != h.sessionFilter {
		return false
	}
	return true
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*handler)

// WithPriority sets the handler priority (default PriorityNormal).
func WithPriority(p Priority) SubscribeOption {
	return func(h *handler) { h.priority = p }
}

// WithSessionFilter restricts the handler to events of one session.
func WithSessionFilter(sessionID string) SubscribeOption {
	return func(h *handler) { h.sessionFilter = sessionID }
}

// Once removes the handler before its first callback runs.
func Once() SubscribeOption {
	return func(h *handler) { h.once = true }
}

const defaultMaxHistory = 100

// Bus is the central event bus. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers []*handler
	seq      uint64

	historyMu  sync.Mutex
	history    []Event
	maxHistory int

	asyncCh chan Event
	done    chan struct{}
	closed  sync.Once

	logger *slog.Logger
}

// NewBus creates a bus and starts its async dispatch worker.
func NewBus() *Bus {
	b := &Bus{
		maxHistory: defaultMaxHistory,
		asyncCh:    make(chan Event, 1024),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "bus"),
	}
	go b.asyncLoop()
	return b
}

// Subscribe registers fn for the given event types (nil or empty = all).
// It returns a handler id for Unsubscribe.
func (b *Bus) Subscribe(types []EventType, fn HandlerFunc, opts ...SubscribeOption) string {
	h := &handler{
		id:       uuid.NewString(),
		fn:       fn,
		priority: PriorityNormal,
	}
	if len(types) > 0 {
		h.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			h.types[t] = true
		}
	}
	for _, opt := range opts {
		opt(h)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h.seq = b.seq
	// Insert keeping descending priority, insertion order within a class.
	pos := len(b.handlers)
	for i, existing := range b.handlers {
		if existing.priority < h.priority {
			pos = i
			break
		}
	}
	b.handlers = append(b.handlers, nil)
	copy(b.handlers[pos+1:], b.handlers[pos:])
	b.handlers[pos] = h
	return h.id
}

// Unsubscribe removes the handler with the given id. O(n) scan, O(1) for
// the caller's bookkeeping: the returned bool reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) bool {
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit dispatches ev to all matching handlers and waits for them to finish.
// Handlers run in descending priority order; a panicking handler is logged
// and does not abort the rest. No lock is held while handlers run, so a
// handler may itself call Emit.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.record(ev)
	b.dispatch(ctx, ev)
}

// EmitAsync schedules ev for dispatch without awaiting handlers. Events
// are dispatched by a single worker, preserving emission order.
func (b *Bus) EmitAsync(ev Event) {
	select {
	case <-b.done:
	case b.asyncCh <- ev:
	}
}

func (b *Bus) asyncLoop() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.asyncCh:
			b.record(ev)
			b.dispatch(context.Background(), ev)
		}
	}
}

func (b *Bus) record(ev Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	matched := make([]*handler, 0, 4)
	for _, h := range b.handlers {
		if h.matches(ev) {
			matched = append(matched, h)
		}
	}
	// Once handlers are removed before their callback runs, even if the
	// callback panics.
	for _, h := range matched {
		if h.once {
			b.removeLocked(h.id)
		}
	}
	b.mu.Unlock()

	for _, h := range matched {
		b.safeCall(ctx, h, ev)
	}
}

func (b *Bus) safeCall(ctx context.Context, h *handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"handler_id", h.id,
				"event_type", string(ev.Type),
				"panic", r,
			)
		}
	}()
	h.fn(ctx, ev)
}

// ClearSession removes all handlers filtered to the given session and
// returns how many were removed.
func (b *Bus) ClearSession(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.handlers[:0]
	removed := 0
	for _, h := range b.handlers {
		if h.sessionFilter == sessionID {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	b.handlers = kept
	return removed
}

// HandlerCount returns the number of registered handlers, optionally
// counting only those matching t.
func (b *Bus) HandlerCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t == "" {
		return len(b.handlers)
	}
	n := 0
	for _, h := range b.handlers {
		if h.types == nil || h.types[t] {
			n++
		}
	}
	return n
}

// History returns recent events, newest first, filtered by type and
// session when non-empty, capped at limit when limit > 0.
func (b *Bus) History(t EventType, sessionID string, limit int) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]Event, 0, len(b.history))
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if t != "" && ev.Type != t {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Close stops the async worker. Pending async events are dropped.
func (b *Bus) Close() {
	b.closed.Do(func() { close(b.done) })
}
