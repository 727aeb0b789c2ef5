package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amcp-io/amcp/internal/bus"
)

// Frame types for WebSocket messages.
const (
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameEvent    = "event"
	FrameError    = "error"
)

// WSMessage is the JSON frame exchanged over the WebSocket transport.
type WSMessage struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// ToWSMessage converts a bus event into a WebSocket frame. Message
// streaming events become responses, message errors become error frames,
// and everything else is delivered as an event. messageID correlates the
// frame with the client request that triggered it; empty omits the field.
func ToWSMessage(ev bus.Event, messageID string) WSMessage {
	frameType := FrameEvent
	switch ev.Type {
	case bus.EventMessageStart, bus.EventMessageChunk, bus.EventMessageComplete:
		frameType = FrameResponse
	case bus.EventMessageError:
		frameType = FrameError
	}

	payload := make(map[string]any, len(ev.Payload)+3)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["kind"] = kindFor(ev.Type)
	payload["session_id"] = ev.SessionID

	switch ev.Type {
	case bus.EventMessageStart, bus.EventMessageChunk:
		payload["done"] = false
	case bus.EventMessageComplete:
		payload["done"] = true
	case bus.EventMessageError:
		if _, ok := payload["code"]; !ok {
			payload["code"] = string(CodeInternalError)
		}
	}

	return WSMessage{
		Type:      frameType,
		ID:        messageID,
		Timestamp: ev.Timestamp,
		Payload:   payload,
	}
}

// ToWSError renders a coded error as a WebSocket error frame.
func ToWSError(err *Error, messageID string) WSMessage {
	return WSMessage{
		Type:      FrameError,
		ID:        messageID,
		Timestamp: time.Now(),
		Payload:   err.Body(),
	}
}

// ToSSE renders a bus event as a Server-Sent Events frame. The event name
// is the dotted type, the data line carries the full event as JSON.
func ToSSE(ev bus.Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"type":%q,"session_id":%q}`, ev.Type, ev.SessionID))
	}
	var b strings.Builder
	b.Grow(len(data) + len(ev.Type) + 16)
	b.WriteString("event: ")
	b.WriteString(string(ev.Type))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// ToHTTPChunk renders a bus event for the plain-text HTTP streaming body.
// Text chunks pass through bare; tool lifecycle events become bracketed
// inline markers. The second return reports whether the event produces
// any output on this transport.
func ToHTTPChunk(ev bus.Event) (string, bool) {
	switch ev.Type {
	case bus.EventMessageChunk:
		content, _ := ev.Payload["content"].(string)
		return content, content != ""
	case bus.EventToolCallStart:
		return fmt.Sprintf("\n[tool: %s …]\n", payloadTool(ev)), true
	case bus.EventToolCallComplete:
		return fmt.Sprintf("\n[tool: %s ✓]\n", payloadTool(ev)), true
	case bus.EventToolCallError:
		return fmt.Sprintf("\n[tool: %s ✗]\n", payloadTool(ev)), true
	default:
		return "", false
	}
}

func payloadTool(ev bus.Event) string {
	if name, ok := ev.Payload["tool"].(string); ok && name != "" {
		return name
	}
	return "unknown"
}

// acpUpdateTypes maps ACP session_update identifiers to bus event types.
var acpUpdateTypes = map[string]bus.EventType{
	"agent_message":             bus.EventMessageChunk,
	"agent_response":            bus.EventMessageComplete,
	"agent_thought":             bus.EventAgentThinking,
	"tool_call_start":           bus.EventToolCallStart,
	"tool_call_update":          bus.EventToolCallComplete,
	"current_mode_update":       bus.EventSessionStatusChanged,
	"available_commands_update": bus.EventSessionStatusChanged,
	"plan":                      bus.EventAgentThinking,
}

// FromACP converts an ACP-style session update into a bus event for the
// given session. Unknown update types pass through as message chunks with
// their payload intact.
func FromACP(update map[string]any, sessionID string) bus.Event {
	updateType, _ := update["session_update"].(string)
	eventType, known := acpUpdateTypes[updateType]
	if !known {
		eventType = bus.EventMessageChunk
	}

	payload := map[string]any{}
	switch updateType {
	case "agent_message", "agent_response":
		payload["content"] = acpText(update["content"])
		payload["done"] = updateType == "agent_response"
	case "agent_thought":
		payload["content"] = acpText(update["content"])
	case "tool_call_start":
		payload["tool"], _ = update["title"].(string)
		payload["tool_call_id"] = update["tool_call_id"]
		payload["kind"] = update["kind"]
	case "tool_call_update":
		payload["tool_call_id"] = update["tool_call_id"]
		payload["status"] = update["status"]
		if result, ok := acpToolResult(update["content"]); ok {
			payload["result"] = result
		}
	case "plan":
		payload["plan"] = acpPlanEntries(update["entries"])
	default:
		for k, v := range update {
			if k != "session_update" {
				payload[k] = v
			}
		}
	}

	return bus.New(eventType, sessionID, payload)
}

// acpText joins the text blocks of an ACP content list.
func acpText(content any) string {
	blocks, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok || block["type"] != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// acpToolResult extracts the text of the first nested content block in a
// tool_call_update.
func acpToolResult(content any) (string, bool) {
	blocks, ok := content.([]any)
	if !ok {
		return "", false
	}
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok || block["type"] != "content" {
			continue
		}
		inner, ok := block["content"].(map[string]any)
		if !ok || inner["type"] != "text" {
			continue
		}
		text, _ := inner["text"].(string)
		return text, true
	}
	return "", false
}

// acpPlanEntries normalizes plan entries, defaulting priority and status.
func acpPlanEntries(entries any) []map[string]any {
	raw, ok := entries.([]any)
	if !ok {
		return nil
	}
	plan := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		normalized := map[string]any{
			"content":  "",
			"priority": "medium",
			"status":   "pending",
		}
		if c, ok := entry["content"].(string); ok {
			normalized["content"] = c
		}
		if p, ok := entry["priority"].(string); ok {
			normalized["priority"] = p
		}
		if s, ok := entry["status"].(string); ok {
			normalized["status"] = s
		}
		plan = append(plan, normalized)
	}
	return plan
}

// kindFor maps bus event types to the payload.kind identifiers that
// WebSocket clients switch on.
func kindFor(t bus.EventType) string {
	switch t {
	case bus.EventConnected:
		return "connected"
	case bus.EventDisconnected:
		return "disconnected"
	case bus.EventHeartbeat:
		return "heartbeat"
	case bus.EventSessionCreated:
		return "session_created"
	case bus.EventSessionDeleted:
		return "session_deleted"
	case bus.EventSessionStatusChanged:
		return "session_status"
	case bus.EventMessageStart, bus.EventMessageChunk:
		return "text"
	case bus.EventMessageComplete:
		return "complete"
	case bus.EventMessageError:
		return "error"
	case bus.EventToolCallStart:
		return "tool_call"
	case bus.EventToolCallComplete:
		return "tool_result"
	case bus.EventToolCallError:
		return "tool_error"
	case bus.EventAgentThinking:
		return "thinking"
	case bus.EventAgentIdle:
		return "idle"
	default:
		return string(t)
	}
}
