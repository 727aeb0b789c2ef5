package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes a provider failure for retry decisions.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonOverloaded     Reason = "overloaded"
	ReasonUnknown        Reason = "unknown"
)

// IsRetryable reports whether a retry with backoff may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError, ReasonOverloaded:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM API, carrying enough
// context for retry logic and debugging.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Reason, e.Provider)}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps a raw error, classifying it from its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyMessage(cause.Error())
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithCode records the provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if r := classifyCode(code); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// IsRetryable reports whether an error from a provider should be retried.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}
	return classifyMessage(err.Error()).IsRetryable()
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "insufficient_quota", "billing_error":
		return ReasonBilling
	case "overloaded_error":
		return ReasonOverloaded
	case "api_error", "internal_error", "server_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyMessage(msg string) Reason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(m, "rate limit") || strings.Contains(m, "rate_limit") ||
		strings.Contains(m, "too many requests") || strings.Contains(m, "429"):
		return ReasonRateLimit
	case strings.Contains(m, "unauthorized") || strings.Contains(m, "invalid api key") ||
		strings.Contains(m, "authentication") || strings.Contains(m, "401") || strings.Contains(m, "403"):
		return ReasonAuth
	case strings.Contains(m, "quota") || strings.Contains(m, "billing") || strings.Contains(m, "402"):
		return ReasonBilling
	case strings.Contains(m, "overloaded"):
		return ReasonOverloaded
	case strings.Contains(m, "500") || strings.Contains(m, "502") ||
		strings.Contains(m, "503") || strings.Contains(m, "504") ||
		strings.Contains(m, "internal server error") || strings.Contains(m, "bad gateway") ||
		strings.Contains(m, "service unavailable") || strings.Contains(m, "gateway timeout") ||
		strings.Contains(m, "connection reset") || strings.Contains(m, "connection refused"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
