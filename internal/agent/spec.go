package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentMode distinguishes top-level agents from delegated sub-agents.
type AgentMode string

const (
	ModePrimary  AgentMode = "primary"
	ModeSubagent AgentMode = "subagent"
)

// AgentSpec describes an agent persona: its prompt, tool surface, and
// loop limits.
type AgentSpec struct {
	Name         string    `yaml:"name" json:"name"`
	Mode         AgentMode `yaml:"mode" json:"mode"`
	Description  string    `yaml:"description" json:"description"`
	SystemPrompt string    `yaml:"system_prompt" json:"system_prompt"`
	Tools        []string  `yaml:"tools" json:"tools,omitempty"`
	ExcludeTools []string  `yaml:"exclude_tools" json:"exclude_tools,omitempty"`
	MaxSteps     int       `yaml:"max_steps" json:"max_steps"`
	Model        string    `yaml:"model" json:"model,omitempty"`
	BaseURL      string    `yaml:"base_url" json:"base_url,omitempty"`
	CanDelegate  bool      `yaml:"can_delegate" json:"can_delegate"`
}

// AllowsTool reports whether the spec's allow/exclude lists admit a tool.
// An empty allowlist admits everything; exclusions are applied after.
func (s *AgentSpec) AllowsTool(name string) bool {
	for _, excluded := range s.ExcludeTools {
		if excluded == name {
			return false
		}
	}
	if len(s.Tools) == 0 {
		return true
	}
	for _, allowed := range s.Tools {
		if allowed == name {
			return true
		}
	}
	return false
}

// RenderSystemPrompt substitutes the template placeholders {agent_name},
// {work_dir}, and {current_time}.
func (s *AgentSpec) RenderSystemPrompt(workDir string, now time.Time) string {
	r := strings.NewReplacer(
		"{agent_name}", s.Name,
		"{work_dir}", workDir,
		"{current_time}", now.Format(time.RFC3339),
	)
	return r.Replace(s.SystemPrompt)
}

const coderPrompt = `You are {agent_name}, a coding agent working in {work_dir}. The current time is {current_time}.

You solve software tasks by reading code, running commands, and editing files with the tools available to you. Work incrementally: inspect before you modify, verify after you change. Prefer small, reviewable edits. When a task is large or exploratory, delegate focused sub-tasks with the task tool.

Report what you did and why, not a play-by-play of every command.`

const explorerPrompt = `You are {agent_name}, a read-only exploration agent working in {work_dir}.

Answer questions about the codebase using read_file and grep. You cannot modify anything. Summarize findings with file paths and line references.`

const plannerPrompt = `You are {agent_name}, a planning agent working in {work_dir}.

Study the code relevant to the task and produce a concrete, ordered implementation plan: which files change, what each change does, and in what order. Do not modify anything.`

const focusedCoderPrompt = `You are {agent_name}, a focused implementation agent working in {work_dir}.

You receive a single well-scoped task. Complete exactly that task using the file and shell tools, then report the result. Do not expand scope.`

var readOnlyTools = []string{"read_file", "grep", "think", "todo"}

// builtinSpecs returns the built-in agent personas. Subagents never
// delegate.
func builtinSpecs() map[string]*AgentSpec {
	return map[string]*AgentSpec{
		"coder": {
			Name:         "coder",
			Mode:         ModePrimary,
			Description:  "General-purpose coding agent with the full tool surface",
			SystemPrompt: coderPrompt,
			MaxSteps:     300,
			CanDelegate:  true,
		},
		"explorer": {
			Name:         "explorer",
			Mode:         ModeSubagent,
			Description:  "Read-only codebase exploration",
			SystemPrompt: explorerPrompt,
			Tools:        append([]string(nil), readOnlyTools...),
			MaxSteps:     100,
		},
		"planner": {
			Name:         "planner",
			Mode:         ModeSubagent,
			Description:  "Read-only implementation planning",
			SystemPrompt: plannerPrompt,
			Tools:        append([]string(nil), readOnlyTools...),
			MaxSteps:     150,
		},
		"focused_coder": {
			Name:         "focused_coder",
			Mode:         ModeSubagent,
			Description:  "Single-task implementation with a narrow tool surface",
			SystemPrompt: focusedCoderPrompt,
			Tools:        []string{"read_file", "write_file", "edit_file", "bash", "think"},
			MaxSteps:     200,
		},
	}
}

// SpecRegistry resolves agent names to specs: builtins extended and
// overridden by YAML spec files.
type SpecRegistry struct {
	mu           sync.RWMutex
	specs        map[string]*AgentSpec
	defaultModel string
	defaultURL   string
}

// NewSpecRegistry creates a registry seeded with the builtin agents.
// defaultModel and defaultBaseURL fill specs that leave model/base_url
// empty.
func NewSpecRegistry(defaultModel, defaultBaseURL string) *SpecRegistry {
	return &SpecRegistry{
		specs:        builtinSpecs(),
		defaultModel: defaultModel,
		defaultURL:   defaultBaseURL,
	}
}

// Get returns the resolved spec for a name.
func (r *SpecRegistry) Get(name string) (*AgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, false
	}
	return r.resolve(spec), true
}

// List returns all specs sorted by name.
func (r *SpecRegistry) List() []*AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*AgentSpec, 0, len(names))
	for _, name := range names {
		out = append(out, r.resolve(r.specs[name]))
	}
	return out
}

// resolve copies the spec with process defaults applied.
func (r *SpecRegistry) resolve(spec *AgentSpec) *AgentSpec {
	out := *spec
	if out.Model == "" {
		out.Model = r.defaultModel
	}
	if out.BaseURL == "" {
		out.BaseURL = r.defaultURL
	}
	if out.Mode == "" {
		out.Mode = ModePrimary
	}
	if out.Mode == ModeSubagent {
		out.CanDelegate = false
	}
	return &out
}

// LoadDir reads *.yaml spec files from a directory, overriding or adding
// to the current set. Missing directories are ignored; malformed files
// return an error naming the file.
func (r *SpecRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var spec AgentSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("parse agent spec %s: %w", path, err)
		}
		if spec.Name == "" {
			spec.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		r.mu.Lock()
		r.specs[spec.Name] = &spec
		r.mu.Unlock()
	}
	return nil
}
