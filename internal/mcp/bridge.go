package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amcp-io/amcp/internal/agent"
)

// ToolCaller is the execution contract the bridge needs from the manager.
type ToolCaller interface {
	CallTool(ctx context.Context, serverName, toolName string, arguments map[string]any) (*ToolCallResult, error)
}

// ToolBridge exposes one MCP tool as an agent registry tool under the name
// mcp.<server>.<tool>.
type ToolBridge struct {
	caller     ToolCaller
	serverName string
	tool       *Tool
	name       string
}

// NewToolBridge creates a bridge for one remote tool.
func NewToolBridge(caller ToolCaller, serverName string, tool *Tool) *ToolBridge {
	return &ToolBridge{
		caller:     caller,
		serverName: serverName,
		tool:       tool,
		name:       BridgeName(serverName, tool.Name),
	}
}

// BridgeName builds the registry name for a server/tool pair, replacing
// characters the registry rejects.
func BridgeName(serverName, toolName string) string {
	return "mcp." + sanitizeNamePart(serverName) + "." + sanitizeNamePart(toolName)
}

func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

func (b *ToolBridge) Name() string { return b.name }

func (b *ToolBridge) Description() string {
	desc := strings.TrimSpace(b.tool.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", b.serverName, b.tool.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", b.serverName, b.tool.Name, desc)
}

func (b *ToolBridge) Schema() json.RawMessage {
	if len(b.tool.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b.tool.InputSchema
}

// Execute forwards the call to the remote tool and flattens the result to
// text.
func (b *ToolBridge) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var arguments map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &arguments); err != nil {
			return nil, err
		}
	}

	result, err := b.caller.CallTool(ctx, b.serverName, b.tool.Name, arguments)
	if err != nil {
		return nil, err
	}

	content, isError := formatToolCallResult(result)
	return &agent.ToolResult{Content: content, IsError: isError}, nil
}

// formatToolCallResult flattens all-text results to plain text and falls
// back to JSON for mixed content.
func formatToolCallResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	if len(result.Content) == 0 {
		return "", result.IsError
	}

	allText := true
	var combined strings.Builder
	for _, item := range result.Content {
		if item.Type != "text" {
			allText = false
			break
		}
		if item.Text == "" {
			continue
		}
		if combined.Len() > 0 {
			combined.WriteString("\n")
		}
		combined.WriteString(item.Text)
	}

	if allText && combined.Len() > 0 {
		return combined.String(), result.IsError
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}
