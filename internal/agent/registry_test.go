package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type stubTool struct {
	name        string
	description string
	schema      string
	execute     func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return t.description }
func (t *stubTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}
func (t *stubTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if t.execute != nil {
		return t.execute(ctx, params)
	}
	return &ToolResult{Content: "ok"}, nil
}

func TestRegistryRegisterValidatesNames(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		wantErr bool
	}{
		{"simple", "bash", false},
		{"namespaced", "mcp.github.search_issues", false},
		{"with dash and colon", "my-tool:v2", false},
		{"empty", "", true},
		{"spaces", "bad tool", true},
		{"slash", "a/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(&stubTool{name: tt.tool})
			if (err != nil) != tt.wantErr {
				t.Errorf("Register(%q) error = %v, wantErr %v", tt.tool, err, tt.wantErr)
			}
		})
	}
}

func TestRegistryExecuteIsTotal(t *testing.T) {
	r := NewRegistry()

	t.Run("unknown tool", func(t *testing.T) {
		res := r.Execute(context.Background(), "nope", nil)
		if !res.IsError {
			t.Error("expected error result")
		}
		if res.Content != "tool not found: nope" {
			t.Errorf("unexpected content %q", res.Content)
		}
	})

	t.Run("tool error becomes result", func(t *testing.T) {
		if err := r.Register(&stubTool{
			name: "boom",
			execute: func(context.Context, json.RawMessage) (*ToolResult, error) {
				return nil, context.DeadlineExceeded
			},
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		res := r.Execute(context.Background(), "boom", json.RawMessage(`{}`))
		if !res.IsError {
			t.Error("expected error result")
		}
	})

	t.Run("oversized params rejected", func(t *testing.T) {
		big := json.RawMessage(strings.Repeat("x", MaxToolParamsSize+1))
		res := r.Execute(context.Background(), "boom", big)
		if !res.IsError || !strings.Contains(res.Content, "maximum size") {
			t.Errorf("expected size error, got %+v", res)
		}
	})
}

func TestRegistryValidatesArguments(t *testing.T) {
	r := NewRegistry()
	schema := `{
		"type": "object",
		"properties": {"command": {"type": "string"}},
		"required": ["command"],
		"additionalProperties": false
	}`
	if err := r.Register(&stubTool{name: "bash", schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Execute(context.Background(), "bash", json.RawMessage(`{"command":"ls"}`))
	if res.IsError {
		t.Errorf("valid args rejected: %s", res.Content)
	}

	res = r.Execute(context.Background(), "bash", json.RawMessage(`{"cmd":"ls"}`))
	if !res.IsError || !strings.Contains(res.Content, "invalid arguments") {
		t.Errorf("expected validation error, got %+v", res)
	}
}

func TestSchemaForSpecFilters(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"read_file", "grep", "bash", "write_file"} {
		if err := r.Register(&stubTool{name: name, description: name + " tool"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	tests := []struct {
		name string
		spec *AgentSpec
		want []string
	}{
		{"nil spec exposes all", nil, []string{"bash", "grep", "read_file", "write_file"}},
		{"empty allowlist exposes all", &AgentSpec{}, []string{"bash", "grep", "read_file", "write_file"}},
		{"allowlist filters", &AgentSpec{Tools: []string{"read_file", "grep"}}, []string{"grep", "read_file"}},
		{"exclusions win", &AgentSpec{ExcludeTools: []string{"bash"}}, []string{"grep", "read_file", "write_file"}},
		{"exclusion beats allowlist", &AgentSpec{Tools: []string{"bash"}, ExcludeTools: []string{"bash"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schemas := r.SchemaForSpec(tt.spec)
			var got []string
			for _, s := range schemas {
				got = append(got, s.Name)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
					break
				}
			}
		})
	}
}
