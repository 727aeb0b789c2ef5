package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/permissions"
	"github.com/amcp-io/amcp/internal/protocol"
	"github.com/amcp-io/amcp/internal/sessions"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	// "GET /" is the catch-all: anything but the root itself is a 404.
	if r.URL.Path != "/" {
		writeError(w, protocol.NewError(protocol.CodeNotFound, "Not found: "+r.URL.Path))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serverName,
		"version": s.opts.Version,
		"api":     apiPrefix,
		"health":  apiPrefix + "/health",
		"events":  apiPrefix + "/events",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"version":        s.opts.Version,
		"uptime_seconds": s.uptime(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	agents := []string{}
	if s.opts.Specs != nil {
		for _, spec := range s.opts.Specs.List() {
			agents = append(agents, spec.Name)
		}
	}
	toolsCount := 0
	if s.opts.Tools != nil {
		toolsCount = s.opts.Tools.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             serverName,
		"version":          s.opts.Version,
		"protocol_version": protocolVersion,
		"capabilities": []string{
			"sessions", "streaming", "websocket", "sse", "tools", "agents",
			"skills", "commands",
		},
		"agents":      agents,
		"tools_count": toolsCount,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	total, active := 0, 0
	if s.opts.Sessions != nil {
		total = s.opts.Sessions.Count()
		active = s.opts.Sessions.ActiveCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"version":        s.opts.Version,
		"uptime_seconds": s.uptime(),
		"sessions": map[string]int{
			"active": active,
			"total":  total,
		},
		"connections": map[string]int64{
			"websocket": s.wsConns.Load(),
			"sse":       s.sseConns.Load(),
		},
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"websocket": s.wsConns.Load(),
		"sse":       s.sseConns.Load(),
	})
}

type createSessionRequest struct {
	Cwd       string `json:"cwd"`
	AgentName string `json:"agent_name"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		writeError(w, perr)
		return
	}

	sess, err := s.opts.Sessions.Create(req.Cwd, req.AgentName)
	if err != nil {
		writeError(w, sessionError(err, ""))
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	list := s.opts.Sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"total":    len(list),
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.opts.Sessions.Get(id)
	if err != nil {
		writeError(w, sessionError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Sessions.Delete(id); err != nil {
		writeError(w, sessionError(err, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, protocol.Validation("limit must be an integer", "limit"))
			return
		}
		limit = n
	}

	msgs, err := s.opts.Sessions.History(id, limit)
	if err != nil {
		writeError(w, sessionError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   msgs,
		"total":      len(msgs),
	})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Sessions.ClearHistory(id); err != nil {
		writeError(w, sessionError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "History cleared",
		"session_id": id,
	})
}

type cancelRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cancelRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		writeError(w, perr)
		return
	}

	if err := s.opts.Sessions.Cancel(id, req.Force); err != nil {
		writeError(w, sessionError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Session cancelled",
		"session_id": id,
	})
}

type approvalRequest struct {
	Answer string `json:"answer"`
}

// handleApproval answers a pending permission ask identified by the
// request id from the approval_required event.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	requestID := r.PathValue("request_id")
	if _, err := s.opts.Sessions.Get(id); err != nil {
		writeError(w, sessionError(err, id))
		return
	}

	var req approvalRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		writeError(w, perr)
		return
	}
	answer, ok := parseAnswer(req.Answer)
	if !ok {
		writeError(w, protocol.Validation("answer must be allow_once, allow_always, or deny", "answer"))
		return
	}

	if s.opts.Approvals == nil || !s.opts.Approvals.Answer(requestID, answer) {
		writeError(w, protocol.NewError(protocol.CodeNotFound, "no pending approval: "+requestID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Approval recorded",
		"session_id": id,
		"request_id": requestID,
		"answer":     string(answer),
	})
}

func parseAnswer(raw string) (permissions.Answer, bool) {
	switch a := permissions.Answer(raw); a {
	case permissions.AnswerAllowOnce, permissions.AnswerAllowAlways, permissions.AnswerDeny:
		return a, true
	default:
		return "", false
	}
}

func (s *Server) handleToolList(w http.ResponseWriter, _ *http.Request) {
	schemas := s.opts.Tools.SchemaForSpec(nil)
	tools := make([]map[string]any, 0, len(schemas))
	for _, schema := range schemas {
		tools = append(tools, map[string]any{
			"name":        schema.Name,
			"description": schema.Description,
			"parameters":  json.RawMessage(schema.Parameters),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
		"total": len(tools),
	})
}

func (s *Server) handleToolGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tool, ok := s.opts.Tools.Get(name)
	if !ok {
		writeError(w, protocol.ToolNotFound(name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        tool.Name(),
		"description": tool.Description(),
		"parameters":  json.RawMessage(tool.Schema()),
	})
}

type executeToolRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.opts.Tools.Get(name); !ok {
		writeError(w, protocol.ToolNotFound(name))
		return
	}

	var req executeToolRequest
	if perr := decodeJSON(w, r, &req); perr != nil {
		writeError(w, perr)
		return
	}

	result := s.opts.Tools.Execute(r.Context(), name, req.Arguments)
	body := map[string]any{
		"success": !result.IsError,
		"result":  result.Content,
	}
	if result.IsError {
		body["result"] = ""
		body["error"] = result.Content
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAgentList(w http.ResponseWriter, _ *http.Request) {
	specs := s.opts.Specs.List()
	agents := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		agents = append(agents, agentSummary(spec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	spec, ok := s.opts.Specs.Get(name)
	if !ok {
		writeError(w, protocol.AgentNotFound(name))
		return
	}
	writeJSON(w, http.StatusOK, agentSummary(spec))
}

func (s *Server) handleAgentSpec(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	spec, ok := s.opts.Specs.Get(name)
	if !ok {
		writeError(w, protocol.AgentNotFound(name))
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func agentSummary(spec *agent.AgentSpec) map[string]any {
	return map[string]any{
		"name":         spec.Name,
		"mode":         spec.Mode,
		"description":  spec.Description,
		"model":        spec.Model,
		"max_steps":    spec.MaxSteps,
		"can_delegate": spec.CanDelegate,
	}
}

// sessionError maps session-manager errors onto protocol codes.
func sessionError(err error, sessionID string) *protocol.Error {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		return protocol.SessionNotFound(sessionID)
	case errors.Is(err, sessions.ErrAgentNotFound):
		return protocol.NewError(protocol.CodeAgentNotFound, err.Error())
	case errors.Is(err, sessions.ErrMaxSessions):
		return protocol.NewError(protocol.CodeConflict, err.Error())
	default:
		return protocol.Wrap(err, protocol.CodeInternalError)
	}
}
