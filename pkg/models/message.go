// Package models defines the wire-shared domain types used across the
// runtime: conversation messages, tool calls and results, sessions, and
// token accounting. Everything here marshals to the JSON shapes exposed
// by the HTTP/WS/SSE surfaces.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a session's conversation history.
// History is append-only except for compaction, which replaces a prefix
// with a summary message.
type Message struct {
	ID          string         `json:"id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
}

// Attachment represents a file or media attachment on a message.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionBusy      SessionStatus = "busy"
	SessionCancelled SessionStatus = "cancelled"
	SessionError     SessionStatus = "error"
)

// TokenUsage tracks rolling token consumption for a session.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from a single completion.
func (u *TokenUsage) Add(prompt, completion int) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

// Session is the public view of a conversation scope as returned by
// GET /api/v1/sessions/{id}. The session manager is its sole owner.
type Session struct {
	ID           string        `json:"id"`
	Cwd          string        `json:"cwd"`
	AgentName    string        `json:"agent_name"`
	Status       SessionStatus `json:"status"`
	MessageCount int           `json:"message_count"`
	TokenUsage   TokenUsage    `json:"token_usage"`
	QueuedCount  int           `json:"queued_count"`
	Connections  int           `json:"connections"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// MessagePriority orders prompts within a session queue.
type MessagePriority int

const (
	PriorityLow    MessagePriority = 0
	PriorityNormal MessagePriority = 1
	PriorityHigh   MessagePriority = 2
	PriorityUrgent MessagePriority = 3
)

// ParsePriority maps the wire names to a priority, defaulting to normal.
func ParsePriority(s string) MessagePriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// String returns the wire name for the priority.
func (p MessagePriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}
