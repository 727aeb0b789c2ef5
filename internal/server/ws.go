package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/protocol"
	"github.com/amcp-io/amcp/internal/queue"
	"github.com/amcp-io/amcp/internal/sessions"
	"github.com/amcp-io/amcp/pkg/models"
)

const (
	wsTickInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
	wsReadLimit    = 1 << 20
	wsSendBuffer   = 256
)

// wsClient is one WebSocket connection and its outbound queue.
type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, err := s.opts.Sessions.Get(sessionID); err != nil {
			writeError(w, sessionError(err, sessionID))
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &wsClient{
		server:    s,
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wsConns.Add(1)
	defer s.wsConns.Add(-1)
	if sessionID != "" {
		s.opts.Sessions.ClientConnected(sessionID)
		defer s.opts.Sessions.ClientDisconnected(sessionID)
	}

	opts := []bus.SubscribeOption{}
	if sessionID != "" {
		opts = append(opts, bus.WithSessionFilter(sessionID))
	}
	subID := s.opts.Bus.Subscribe(nil, func(_ context.Context, ev bus.Event) {
		client.enqueue(protocol.ToWSMessage(ev, ""))
	}, opts...)
	defer s.opts.Bus.Unsubscribe(subID)

	client.enqueue(protocol.ToWSMessage(bus.New(bus.EventConnected, sessionID, map[string]any{
		"server":  serverName,
		"version": s.opts.Version,
	}), ""))

	go client.writePump()
	client.readPump()
	cancel()
}

// enqueue marshals and queues a frame; slow consumers lose frames rather
// than blocking the bus.
func (c *wsClient) enqueue(msg protocol.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.WSMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(protocol.ToWSError(protocol.NewError(protocol.CodeInvalidJSON, "malformed frame"), ""))
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame dispatches one client request frame.
func (c *wsClient) handleFrame(frame protocol.WSMessage) {
	action, _ := frame.Payload["action"].(string)
	sessionID := c.sessionID
	if sid, ok := frame.Payload["session_id"].(string); ok && sid != "" {
		sessionID = sid
	}
	if sessionID == "" {
		c.enqueue(protocol.ToWSError(protocol.Validation("session_id is required", "session_id"), frame.ID))
		return
	}

	switch action {
	case "prompt":
		content, _ := frame.Payload["content"].(string)
		if content == "" {
			c.enqueue(protocol.ToWSError(protocol.Validation("content is required", "content"), frame.ID))
			return
		}
		priority, _ := frame.Payload["priority"].(string)
		strategy, _ := frame.Payload["conflict_strategy"].(string)

		// The run streams back through the bus subscription; only errors
		// and queue acknowledgements need a direct reply.
		go func() {
			outcome, err := c.server.opts.Sessions.Prompt(c.ctx, sessionID, &sessions.PromptRequest{
				Content:          content,
				Priority:         models.ParsePriority(priority),
				ConflictStrategy: queue.ParseConflictStrategy(strategy),
			})
			if err != nil {
				c.enqueue(protocol.ToWSError(promptError(err, sessionID), frame.ID))
				return
			}
			if outcome.Queued != nil {
				c.enqueue(protocol.WSMessage{
					Type:      protocol.FrameResponse,
					ID:        frame.ID,
					Timestamp: time.Now(),
					Payload: map[string]any{
						"kind":       "queued",
						"session_id": sessionID,
						"message_id": outcome.Queued.ID,
					},
				})
			}
		}()

	case "cancel":
		force, _ := frame.Payload["force"].(bool)
		if err := c.server.opts.Sessions.Cancel(sessionID, force); err != nil {
			c.enqueue(protocol.ToWSError(sessionError(err, sessionID), frame.ID))
			return
		}
		c.enqueue(protocol.WSMessage{
			Type:      protocol.FrameResponse,
			ID:        frame.ID,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"kind":       "cancelled",
				"session_id": sessionID,
			},
		})

	case "approve":
		requestID, _ := frame.Payload["request_id"].(string)
		if requestID == "" {
			c.enqueue(protocol.ToWSError(protocol.Validation("request_id is required", "request_id"), frame.ID))
			return
		}
		raw, _ := frame.Payload["answer"].(string)
		answer, ok := parseAnswer(raw)
		if !ok {
			c.enqueue(protocol.ToWSError(protocol.Validation("answer must be allow_once, allow_always, or deny", "answer"), frame.ID))
			return
		}
		if c.server.opts.Approvals == nil || !c.server.opts.Approvals.Answer(requestID, answer) {
			c.enqueue(protocol.ToWSError(protocol.NewError(protocol.CodeNotFound, "no pending approval: "+requestID), frame.ID))
			return
		}
		c.enqueue(protocol.WSMessage{
			Type:      protocol.FrameResponse,
			ID:        frame.ID,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"kind":       "approved",
				"session_id": sessionID,
				"request_id": requestID,
				"answer":     string(answer),
			},
		})

	default:
		c.enqueue(protocol.ToWSError(protocol.NewError(protocol.CodeBadRequest, "unsupported action: "+action), frame.ID))
	}
}
