package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{CodeBadRequest, 400},
		{CodeValidationError, 400},
		{CodeInvalidJSON, 400},
		{CodeUnauthorized, 401},
		{CodeForbidden, 403},
		{CodeNotFound, 404},
		{CodeSessionNotFound, 404},
		{CodeToolNotFound, 404},
		{CodeAgentNotFound, 404},
		{CodeConflict, 409},
		{CodeSessionBusy, 409},
		{CodeRateLimited, 429},
		{CodeInternalError, 500},
		{CodeLLMError, 500},
		{CodeToolError, 500},
		{CodeMCPError, 500},
		{CodeTimeout, 504},
		{ErrorCode("SOMETHING_ELSE"), 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestErrorBody(t *testing.T) {
	err := SessionNotFound("session-abc")
	body := err.Body()
	if body["error"] != "Session not found: session-abc" {
		t.Errorf("unexpected error message %v", body["error"])
	}
	if body["code"] != "SESSION_NOT_FOUND" {
		t.Errorf("unexpected code %v", body["code"])
	}
	details, ok := body["details"].(map[string]any)
	if !ok || details["session_id"] != "session-abc" {
		t.Errorf("unexpected details %v", body["details"])
	}
}

func TestErrorBodyWithoutDetails(t *testing.T) {
	body := NewError(CodeInternalError, "boom").Body()
	if _, ok := body["details"]; ok {
		t.Error("expected no details key")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantCode ErrorCode
		wantMsg  string
	}{
		{"session busy", SessionBusy("session-1"), CodeSessionBusy, "Session is busy: session-1"},
		{"tool not found", ToolNotFound("bash"), CodeToolNotFound, "Tool not found: bash"},
		{"agent not found", AgentNotFound("wizard"), CodeAgentNotFound, "Agent not found: wizard"},
		{"validation", Validation("content is required", "content"), CodeValidationError, "content is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, tt.err.Code)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, tt.err.Message)
			}
		})
	}
}

func TestValidationFieldDetail(t *testing.T) {
	if Validation("bad", "").Details != nil {
		t.Error("expected nil details without a field")
	}
	err := Validation("bad", "priority")
	if err.Details["field"] != "priority" {
		t.Errorf("expected field detail, got %v", err.Details)
	}
}

func TestWrapPassesThroughCodedErrors(t *testing.T) {
	coded := ToolNotFound("grep")
	wrapped := Wrap(fmt.Errorf("dispatch: %w", coded), CodeInternalError)
	if wrapped != coded {
		t.Errorf("expected original coded error, got %v", wrapped)
	}
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(errors.New("disk full"), CodeToolError)
	if wrapped.Code != CodeToolError {
		t.Errorf("expected fallback code, got %s", wrapped.Code)
	}
	if wrapped.Message != "disk full" {
		t.Errorf("unexpected message %q", wrapped.Message)
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(CodeTimeout, "tool run exceeded deadline")
	want := "TIMEOUT: tool run exceeded deadline"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
