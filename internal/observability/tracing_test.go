package observability

import (
	"context"
	"testing"
)

func TestNewTracer_NoEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "amcp-test"})
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "test-op")
	defer span.End()

	// A no-op tracer produces an invalid span context and no trace id.
	if got := GetTraceID(ctx); got != "" {
		t.Errorf("expected empty trace id, got %q", got)
	}
}

func TestTracer_SpanHelpers(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx := context.Background()

	_, span := tracer.TracePrompt(ctx, "session-1", "coder")
	span.End()

	_, span = tracer.TraceLLMRequest(ctx, "anthropic", "claude-4.5-sonnet")
	span.End()

	_, span = tracer.TraceToolExecution(ctx, "bash")
	span.End()

	_, span = tracer.TraceHook(ctx, "PreToolUse")
	span.End()

	_, span = tracer.TraceCompaction(ctx, "hybrid")
	span.End()
}

func TestTracer_RecordErrorNil(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	// Must not panic on nil error.
	tracer.RecordError(span, nil)
}
