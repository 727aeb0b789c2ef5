package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestPromptStreamText(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)

	resp := h.postJSON(t, "/sessions/"+id+"/prompt", map[string]any{
		"content": "hello",
		"stream":  true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.Contains(body, "echo: hello") {
		t.Errorf("expected text chunk, got %q", body)
	}
	if !strings.Contains(body, "[tool: echo …]") {
		t.Errorf("expected tool start marker, got %q", body)
	}
	if !strings.Contains(body, "[tool: echo ✓]") {
		t.Errorf("expected tool complete marker, got %q", body)
	}
}

func TestPromptStreamNDJSON(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)

	resp := h.postJSON(t, "/sessions/"+id+"/prompt/stream", map[string]any{"content": "hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("expected ndjson, got %q", ct)
	}

	var types []string
	var complete map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		kind, _ := line["type"].(string)
		types = append(types, kind)
		if kind == "complete" {
			complete = line
		}
	}

	want := []string{"start", "chunk", "tool_call", "tool_result", "complete"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, types)
	}
	if complete["content"] != "echo: hello" {
		t.Errorf("unexpected complete line %v", complete)
	}
}

func TestPromptStreamNDJSONError(t *testing.T) {
	h := newTestHarness(t, &stubRunner{err: io.ErrUnexpectedEOF})
	id := createSession(t, h)

	resp := h.postJSON(t, "/sessions/"+id+"/prompt/stream", map[string]any{"content": "boom"})
	defer resp.Body.Close()

	var sawError bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatal(err)
		}
		if line["type"] == "error" {
			sawError = true
			if line["code"] != "INTERNAL_ERROR" {
				t.Errorf("unexpected error code %v", line["code"])
			}
		}
	}
	if !sawError {
		t.Error("expected an error line")
	}
}

func TestSSEConnectedFrame(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.url("/events"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if first != "event: connected\n" {
		t.Errorf("expected connected event first, got %q", first)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(data, "data: {") {
		t.Errorf("expected data line, got %q", data)
	}
}

func TestSSESessionEvents(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	id := createSession(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.url("/sessions/"+id+"/events"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// Skip the connected frame.
	for i := 0; i < 3; i++ {
		if _, err := reader.ReadString('\n'); err != nil {
			t.Fatal(err)
		}
	}

	go func() {
		promptResp := h.postJSON(t, "/sessions/"+id+"/prompt", map[string]any{"content": "hi"})
		promptResp.Body.Close()
	}()

	sawChunk := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: prompt.started") || strings.HasPrefix(line, "event: session.status_changed") {
			sawChunk = true
			break
		}
	}
	if !sawChunk {
		t.Error("expected session events over SSE")
	}
}

func TestSSEUnknownSession(t *testing.T) {
	h := newTestHarness(t, &stubRunner{})
	resp := h.get(t, "/sessions/session-missing/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
