package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amcp-io/amcp/internal/permissions"
	"github.com/amcp-io/amcp/internal/protocol"
)

func dialWS(t *testing.T, h *testHarness, sessionID string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(h.ts.URL, "http", "ws", 1) + "/ws"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.WSMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame protocol.WSMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketConnectedFrame(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	conn := dialWS(t, h, "")

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameEvent {
		t.Errorf("expected event frame, got %s", frame.Type)
	}
	if frame.Payload["kind"] != "connected" {
		t.Errorf("expected connected, got %v", frame.Payload["kind"])
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	url := strings.Replace(h.ts.URL, "http", "ws", 1) + "/ws?session_id=session-missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("expected 404 handshake response, got %v", resp)
	}
}

func TestWebSocketPromptFlow(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)
	conn := dialWS(t, h, id)

	// connected frame first.
	if frame := readFrame(t, conn); frame.Payload["kind"] != "connected" {
		t.Fatalf("expected connected, got %v", frame.Payload)
	}

	err := conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-1",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "prompt", "content": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var sawChunk, sawComplete bool
	for i := 0; i < 20 && !sawComplete; i++ {
		frame := readFrame(t, conn)
		switch frame.Payload["kind"] {
		case "text":
			sawChunk = true
		case "complete":
			sawComplete = true
		}
	}
	if !sawChunk {
		t.Error("expected a text frame")
	}
	if !sawComplete {
		t.Error("expected a complete frame")
	}
}

func TestWebSocketPromptValidation(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)
	conn := dialWS(t, h, id)
	readFrame(t, conn) // connected

	err := conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-1",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "prompt"},
	})
	if err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", frame.Type)
	}
	if frame.Payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", frame.Payload["code"])
	}
	if frame.ID != "req-1" {
		t.Errorf("expected correlation id, got %q", frame.ID)
	}
}

func TestWebSocketCancel(t *testing.T) {
	h := newTestHarness(t, &stubRunner{delay: 2 * time.Second})
	id := createSession(t, h)
	conn := dialWS(t, h, id)
	readFrame(t, conn) // connected

	err := conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-1",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "prompt", "content": "slow"},
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !h.sessions.Queue().IsBusy(id) {
		time.Sleep(5 * time.Millisecond)
	}

	err = conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-2",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "cancel"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var sawCancelled bool
	for i := 0; i < 20 && !sawCancelled; i++ {
		frame := readFrame(t, conn)
		if frame.ID == "req-2" && frame.Payload["kind"] == "cancelled" {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("expected cancel acknowledgement")
	}
}

func TestWebSocketApprove(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)
	conn := dialWS(t, h, id)
	readFrame(t, conn) // connected

	got := make(chan permissions.Answer, 1)
	go func() {
		a, _ := h.approvals.Ask(context.Background(), permissions.Request{
			ToolName:  "bash",
			SessionID: id,
			RequestID: "call-3",
		}, permissions.Result{})
		got <- a
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.approvals.PendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	err := conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-1",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "approve", "request_id": "call-3", "answer": "allow_once"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var sawApproved bool
	for i := 0; i < 20 && !sawApproved; i++ {
		frame := readFrame(t, conn)
		if frame.ID == "req-1" && frame.Payload["kind"] == "approved" {
			sawApproved = true
		}
	}
	if !sawApproved {
		t.Error("expected approve acknowledgement")
	}

	select {
	case a := <-got:
		if a != permissions.AnswerAllowOnce {
			t.Errorf("expected allow_once delivered, got %s", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ask never resolved")
	}
}

func TestWebSocketApproveUnknownRequest(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)
	conn := dialWS(t, h, id)
	readFrame(t, conn) // connected

	err := conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-1",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "approve", "request_id": "ghost", "answer": "deny"},
	})
	if err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", frame.Type)
	}
	if frame.Payload["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", frame.Payload["code"])
	}
}

func TestWebSocketUnsupportedAction(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)
	conn := dialWS(t, h, id)
	readFrame(t, conn) // connected

	err := conn.WriteJSON(protocol.WSMessage{
		Type:      protocol.FrameRequest,
		ID:        "req-1",
		Timestamp: time.Now(),
		Payload:   map[string]any{"action": "reboot"},
	})
	if err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if frame.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", frame.Type)
	}
	if frame.Payload["code"] != "BAD_REQUEST" {
		t.Errorf("expected BAD_REQUEST, got %v", frame.Payload["code"])
	}
}
