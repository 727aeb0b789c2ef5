package agent

import (
	"context"
	"encoding/json"

	"github.com/amcp-io/amcp/pkg/models"
)

// LLMProvider is the interface to a Large Language Model backend.
//
// Implementations must be safe for concurrent use; multiple goroutines may
// call Complete simultaneously for different sessions.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The
	// returned channel is closed when the stream finishes; streaming
	// failures arrive as a chunk with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("anthropic", "openai", ...).
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools reports whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one model call.
type CompletionRequest struct {
	// Model is the model id; empty selects the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may call. Empty disables tool calling.
	Tools []ToolSchema `json:"tools,omitempty"`

	// MaxTokens caps the generated response; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking turns on extended thinking for supported models.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens is the thinking token budget when enabled.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is a single message in a provider conversation.
// Role is "user", "assistant", "system", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk is one element of a streaming model response. Text
// arrives incrementally; a ToolCall arrives complete; token counts ride on
// the final Done chunk.
type CompletionChunk struct {
	Text          string           `json:"text,omitempty"`
	ToolCall      *models.ToolCall `json:"tool_call,omitempty"`
	Thinking      string           `json:"thinking,omitempty"`
	ThinkingStart bool             `json:"thinking_start,omitempty"`
	ThinkingEnd   bool             `json:"thinking_end,omitempty"`
	Done          bool             `json:"done,omitempty"`
	InputTokens   int              `json:"input_tokens,omitempty"`
	OutputTokens  int              `json:"output_tokens,omitempty"`
	Error         error            `json:"-"`
}

// Model describes an available LLM model.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is an executable agent tool: a name, a JSON-schema argument
// contract, and an execute operation.
type Tool interface {
	// Name returns the stable tool identifier used for function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Tool-level failures should be reported as a
	// ToolResult with IsError set rather than an error return.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolSchema is the advertised form of a tool sent to providers.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the output of a tool execution. Errors are communicated
// via IsError so the model can recover.
type ToolResult struct {
	Content  string         `json:"content"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResponseChunk is a streaming chunk from the runtime toward a client.
type ResponseChunk struct {
	Text          string             `json:"text,omitempty"`
	Thinking      string             `json:"thinking,omitempty"`
	ThinkingStart bool               `json:"thinking_start,omitempty"`
	ThinkingEnd   bool               `json:"thinking_end,omitempty"`
	ToolCall      *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult    *models.ToolResult `json:"tool_result,omitempty"`
	Done          bool               `json:"done,omitempty"`
	Error         error              `json:"-"`
}
