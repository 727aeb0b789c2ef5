package server

import (
	"context"
	"net/http"
	"time"

	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/protocol"
)

const (
	// sseHeartbeatInterval keeps idle SSE connections alive.
	sseHeartbeatInterval = 30 * time.Second

	// sseBufferSize bounds the per-connection event backlog. A client
	// that cannot keep up loses events rather than stalling the bus.
	sseBufferSize = 256
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, "")
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.opts.Sessions.Get(id); err != nil {
		writeError(w, sessionError(err, id))
		return
	}
	s.serveSSE(w, r, id)
}

// serveSSE streams bus events to one client. An empty sessionID streams
// all sessions.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.NewError(protocol.CodeInternalError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.sseConns.Add(1)
	defer s.sseConns.Add(-1)
	if sessionID != "" {
		s.opts.Sessions.ClientConnected(sessionID)
		defer s.opts.Sessions.ClientDisconnected(sessionID)
	}

	events := make(chan bus.Event, sseBufferSize)
	opts := []bus.SubscribeOption{}
	if sessionID != "" {
		opts = append(opts, bus.WithSessionFilter(sessionID))
	}
	subID := s.opts.Bus.Subscribe(nil, func(_ context.Context, ev bus.Event) {
		select {
		case events <- ev:
		default:
			// Slow consumer: drop rather than block dispatch.
		}
	}, opts...)
	defer s.opts.Bus.Unsubscribe(subID)

	// Tell the client it is attached before any real events arrive.
	_, _ = w.Write(protocol.ToSSE(bus.New(bus.EventConnected, sessionID, map[string]any{
		"server":  serverName,
		"version": s.opts.Version,
	})))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write(protocol.ToSSE(bus.New(bus.EventHeartbeat, sessionID, nil))); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if _, err := w.Write(protocol.ToSSE(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
