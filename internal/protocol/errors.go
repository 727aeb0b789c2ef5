// Package protocol unifies error codes and event wire formats across the
// HTTP, WebSocket, and SSE transports, and ingests ACP-style session
// updates from external agents.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a transport-independent error identifier. Every code maps
// to an HTTP status; WebSocket and SSE carry the code verbatim.
type ErrorCode string

const (
	// Request errors
	CodeBadRequest      ErrorCode = "BAD_REQUEST"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	CodeInvalidJSON     ErrorCode = "INVALID_JSON"

	// Authentication
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"

	// Resource lookups
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"

	// Conflicts
	CodeConflict    ErrorCode = "CONFLICT"
	CodeSessionBusy ErrorCode = "SESSION_BUSY"

	// Throttling
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// Server errors
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
	CodeLLMError      ErrorCode = "LLM_ERROR"
	CodeToolError     ErrorCode = "TOOL_ERROR"
	CodeMCPError      ErrorCode = "MCP_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"
)

var httpStatusByCode = map[ErrorCode]int{
	CodeBadRequest:      http.StatusBadRequest,
	CodeValidationError: http.StatusBadRequest,
	CodeInvalidJSON:     http.StatusBadRequest,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeSessionNotFound: http.StatusNotFound,
	CodeToolNotFound:    http.StatusNotFound,
	CodeAgentNotFound:   http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeSessionBusy:     http.StatusConflict,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeInternalError:   http.StatusInternalServerError,
	CodeLLMError:        http.StatusInternalServerError,
	CodeToolError:       http.StatusInternalServerError,
	CodeMCPError:        http.StatusInternalServerError,
	CodeTimeout:         http.StatusGatewayTimeout,
}

// HTTPStatus maps the code to its HTTP status. Unknown codes are 500.
func (c ErrorCode) HTTPStatus() int {
	if status, ok := httpStatusByCode[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a coded error that renders identically on every transport.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a coded error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Body returns the JSON response body shared by all transports.
func (e *Error) Body() map[string]any {
	body := map[string]any{
		"error": e.Message,
		"code":  string(e.Code),
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	return body
}

// SessionNotFound builds the standard not-found error for a session id.
func SessionNotFound(sessionID string) *Error {
	return &Error{
		Code:    CodeSessionNotFound,
		Message: "Session not found: " + sessionID,
		Details: map[string]any{"session_id": sessionID},
	}
}

// SessionBusy builds the standard busy-conflict error for a session id.
func SessionBusy(sessionID string) *Error {
	return &Error{
		Code:    CodeSessionBusy,
		Message: "Session is busy: " + sessionID,
		Details: map[string]any{"session_id": sessionID},
	}
}

// ToolNotFound builds the standard not-found error for a tool name.
func ToolNotFound(name string) *Error {
	return &Error{
		Code:    CodeToolNotFound,
		Message: "Tool not found: " + name,
		Details: map[string]any{"tool_name": name},
	}
}

// AgentNotFound builds the standard not-found error for an agent name.
func AgentNotFound(name string) *Error {
	return &Error{
		Code:    CodeAgentNotFound,
		Message: "Agent not found: " + name,
		Details: map[string]any{"agent_name": name},
	}
}

// Validation builds a validation error, optionally naming the bad field.
func Validation(message, field string) *Error {
	e := &Error{Code: CodeValidationError, Message: message}
	if field != "" {
		e.Details = map[string]any{"field": field}
	}
	return e
}

// Wrap converts any error into a coded Error. Already-coded errors pass
// through unchanged; everything else gets the fallback code.
func Wrap(err error, fallback ErrorCode) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: fallback, Message: err.Error()}
}
