package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/commands"
	"github.com/amcp-io/amcp/internal/protocol"
	"github.com/amcp-io/amcp/internal/queue"
	"github.com/amcp-io/amcp/internal/sessions"
	"github.com/amcp-io/amcp/pkg/models"
)

type promptRequest struct {
	Content          string `json:"content"`
	Priority         string `json:"priority"`
	Stream           bool   `json:"stream"`
	ConflictStrategy string `json:"conflict_strategy"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req promptRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		writeError(w, perr)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, protocol.Validation("content is required", "content"))
		return
	}

	content, done := s.expandCommand(w, id, req.Content)
	if done {
		return
	}

	promptReq := &sessions.PromptRequest{
		Content:          content,
		Priority:         models.ParsePriority(req.Priority),
		ConflictStrategy: queue.ParseConflictStrategy(req.ConflictStrategy),
	}

	if req.Stream {
		s.streamPromptText(w, r, id, promptReq)
		return
	}

	outcome, err := s.opts.Sessions.Prompt(r.Context(), id, promptReq)
	if err != nil {
		writeError(w, promptError(err, id))
		return
	}
	if outcome.Queued != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"queued":     true,
			"message_id": outcome.Queued.ID,
			"session_id": id,
			"priority":   outcome.Queued.Priority.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"content":     outcome.Result.Text,
		"steps":       outcome.Result.Steps,
		"stop_reason": string(outcome.Result.StopReason),
		"token_usage": outcome.Result.Usage,
	})
}

// streamPromptText streams the run as a plain-text body: bare text chunks
// plus bracketed tool markers.
func (s *Server) streamPromptText(w http.ResponseWriter, r *http.Request, id string, req *sessions.PromptRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.NewError(protocol.CodeInternalError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	toolNames := map[string]string{}
	req.OnChunk = func(chunk agent.ResponseChunk) {
		ev, ok := chunkEvent(id, chunk, toolNames)
		if !ok {
			return
		}
		text, ok := protocol.ToHTTPChunk(ev)
		if !ok {
			return
		}
		_, _ = w.Write([]byte(text))
		flusher.Flush()
	}

	outcome, err := s.opts.Sessions.Prompt(r.Context(), id, req)
	switch {
	case err != nil:
		_, _ = w.Write([]byte("\n[error: " + err.Error() + "]\n"))
	case outcome.Queued != nil:
		_, _ = w.Write([]byte("[prompt queued]\n"))
	}
	flusher.Flush()
}

// handlePromptStream streams the run as NDJSON: one JSON object per line
// with type start/chunk/tool_call/tool_result/complete/error.
func (s *Server) handlePromptStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req promptRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		writeError(w, perr)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, protocol.Validation("content is required", "content"))
		return
	}

	content, done := s.expandCommand(w, id, req.Content)
	if done {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.NewError(protocol.CodeInternalError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	writeLine := func(obj map[string]any) {
		_ = enc.Encode(obj)
		flusher.Flush()
	}

	writeLine(map[string]any{"type": "start", "session_id": id})

	promptReq := &sessions.PromptRequest{
		Content:          content,
		Priority:         models.ParsePriority(req.Priority),
		ConflictStrategy: queue.ParseConflictStrategy(req.ConflictStrategy),
		OnChunk: func(chunk agent.ResponseChunk) {
			switch {
			case chunk.Text != "":
				writeLine(map[string]any{"type": "chunk", "content": chunk.Text})
			case chunk.ToolCall != nil:
				writeLine(map[string]any{
					"type":         "tool_call",
					"tool":         chunk.ToolCall.Name,
					"tool_call_id": chunk.ToolCall.ID,
				})
			case chunk.ToolResult != nil:
				writeLine(map[string]any{
					"type":         "tool_result",
					"tool_call_id": chunk.ToolResult.ToolCallID,
					"success":      !chunk.ToolResult.IsError,
				})
			}
		},
	}

	outcome, err := s.opts.Sessions.Prompt(r.Context(), id, promptReq)
	switch {
	case err != nil:
		perr := promptError(err, id)
		writeLine(map[string]any{"type": "error", "error": perr.Message, "code": string(perr.Code)})
	case outcome.Queued != nil:
		writeLine(map[string]any{"type": "queued", "message_id": outcome.Queued.ID})
	default:
		writeLine(map[string]any{
			"type":        "complete",
			"content":     outcome.Result.Text,
			"steps":       outcome.Result.Steps,
			"stop_reason": string(outcome.Result.StopReason),
			"token_usage": outcome.Result.Usage,
		})
	}
}

// expandCommand resolves a leading-slash command in the prompt. The
// returned bool reports that the command produced a response on its own
// and the model call must be skipped.
func (s *Server) expandCommand(w http.ResponseWriter, sessionID, content string) (string, bool) {
	if s.opts.Commands == nil || !strings.HasPrefix(content, "/") {
		return content, false
	}

	result, matched := s.opts.Commands.Expand(content)
	if !matched {
		return content, false
	}

	switch result.Type {
	case commands.ResultSubmitPrompt:
		return result.Content, false

	case commands.ResultMessage:
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":   sessionID,
			"message":      result.Content,
			"message_type": result.MessageType,
		})
		return "", true

	case commands.ResultHandled:
		s.handleBuiltinAction(w, sessionID, result.Content)
		return "", true
	}
	return content, false
}

// handleBuiltinAction serves commands handled by the runtime itself.
func (s *Server) handleBuiltinAction(w http.ResponseWriter, sessionID, action string) {
	switch action {
	case "clear":
		if err := s.opts.Sessions.ClearHistory(sessionID); err != nil {
			writeError(w, sessionError(err, sessionID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":   sessionID,
			"message":      "History cleared",
			"message_type": "success",
		})
	case "info":
		sess, err := s.opts.Sessions.Get(sessionID)
		if err != nil {
			writeError(w, sessionError(err, sessionID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":   sessionID,
			"session":      sess,
			"message_type": "info",
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":   sessionID,
			"message":      action,
			"message_type": "info",
		})
	}
}

// chunkEvent converts a streaming chunk into the equivalent bus event.
// toolNames tracks call-id to tool-name so result markers can be labeled.
func chunkEvent(sessionID string, chunk agent.ResponseChunk, toolNames map[string]string) (bus.Event, bool) {
	switch {
	case chunk.Text != "":
		return bus.New(bus.EventMessageChunk, sessionID, map[string]any{"content": chunk.Text}), true
	case chunk.ToolCall != nil:
		toolNames[chunk.ToolCall.ID] = chunk.ToolCall.Name
		return bus.New(bus.EventToolCallStart, sessionID, map[string]any{
			"tool":         chunk.ToolCall.Name,
			"tool_call_id": chunk.ToolCall.ID,
		}), true
	case chunk.ToolResult != nil:
		eventType := bus.EventToolCallComplete
		if chunk.ToolResult.IsError {
			eventType = bus.EventToolCallError
		}
		return bus.New(eventType, sessionID, map[string]any{
			"tool":         toolNames[chunk.ToolResult.ToolCallID],
			"tool_call_id": chunk.ToolResult.ToolCallID,
		}), true
	}
	return bus.Event{}, false
}

// promptError maps prompt failures onto protocol codes.
func promptError(err error, sessionID string) *protocol.Error {
	if errors.Is(err, queue.ErrSessionBusy) {
		return protocol.SessionBusy(sessionID)
	}
	return sessionError(err, sessionID)
}
