package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

var toolNameRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Registry holds the available tools with thread-safe registration and
// lookup. Built-in tools are registered at startup; MCP-proxied tools come
// and go with server connections.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any tool with the same name. The name
// must match [A-Za-z0-9_.:-]+.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength || !toolNameRe.MatchString(name) {
		return fmt.Errorf("invalid tool name: %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	delete(r.schemas, name)
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SchemaForSpec returns the tool schemas advertised to the model, filtered
// by the agent spec's allow/exclude lists. A nil spec exposes everything.
// The result is a snapshot; later registry changes do not affect it.
func (r *Registry) SchemaForSpec(spec *AgentSpec) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []ToolSchema
	for _, name := range names {
		if spec != nil && !spec.AllowsTool(name) {
			continue
		}
		tool := r.tools[name]
		out = append(out, ToolSchema{
			Name:        name,
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return out
}

// Execute runs a tool by name. Execute is total: every failure mode
// becomes a ToolResult with IsError set, never a raised error.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) *ToolResult {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}
	}

	if err := r.validateParams(name, tool, params); err != nil {
		return &ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}
	}
	if result == nil {
		return &ToolResult{Content: "", IsError: false}
	}
	return result
}

// validateParams checks the arguments against the tool's JSON schema.
// Compiled schemas are cached; a schema that fails to compile disables
// validation for that tool rather than blocking execution.
func (r *Registry) validateParams(name string, tool Tool, params json.RawMessage) error {
	r.mu.RLock()
	schema, cached := r.schemas[name]
	r.mu.RUnlock()

	if !cached {
		compiled, err := jsonschema.CompileString(name+".json", string(tool.Schema()))
		if err != nil {
			compiled = nil
		}
		r.mu.Lock()
		r.schemas[name] = compiled
		r.mu.Unlock()
		schema = compiled
	}
	if schema == nil {
		return nil
	}

	var value any
	if len(params) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return err
	}
	return schema.Validate(value)
}
