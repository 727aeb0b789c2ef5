// Package hooks runs user-configured lifecycle handlers around agent
// activity. Handlers are external commands or scripts configured per event
// in hooks.toml/hooks.yaml/hooks.json; each receives a JSON document on
// stdin and steers execution through its exit code and JSON stdout.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Event names the lifecycle points handlers can attach to.
type Event string

const (
	PreToolUse       Event = "PreToolUse"
	PostToolUse      Event = "PostToolUse"
	UserPromptSubmit Event = "UserPromptSubmit"
	SessionStart     Event = "SessionStart"
	SessionEnd       Event = "SessionEnd"
	Stop             Event = "Stop"
	PreCompact       Event = "PreCompact"
	Notification     Event = "Notification"
)

var knownEvents = map[Event]bool{
	PreToolUse: true, PostToolUse: true, UserPromptSubmit: true,
	SessionStart: true, SessionEnd: true, Stop: true,
	PreCompact: true, Notification: true,
}

// Decision is a hook's verdict on a tool call.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionAsk      Decision = "ask"
	DecisionContinue Decision = "continue"
)

// Input is the JSON document handlers receive on stdin.
type Input struct {
	SessionID    string         `json:"session_id"`
	HookEvent    string         `json:"hook_event_name"`
	Cwd          string         `json:"cwd"`
	ToolName     string         `json:"tool_name,omitempty"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	ToolResponse map[string]any `json:"tool_response,omitempty"`
	ToolUseID    string         `json:"tool_use_id,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Message      string         `json:"message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Output is the merged result of a handler chain.
type Output struct {
	Success         bool
	Continue        bool
	StopReason      string
	Decision        Decision
	DecisionReason  string
	UpdatedInput    map[string]any
	UpdatedResponse map[string]any
	Feedback        string
	SystemMessage   string
	SuppressOutput  bool
	BlockStop       bool
	ExitCode        int
	Stdout          string
	Stderr          string
}

// NewOutput returns the neutral output: continue, no decision.
func NewOutput() Output {
	return Output{Success: true, Continue: true, Decision: DecisionContinue}
}

// jsonOutput is the optional JSON shape handlers print on exit 0.
type jsonOutput struct {
	Continue       *bool          `json:"continue"`
	StopReason     string         `json:"stopReason"`
	SuppressOutput *bool          `json:"suppressOutput"`
	SystemMessage  string         `json:"systemMessage"`
	Feedback       string         `json:"feedback"`
	HookSpecific   *hookSpecific  `json:"hookSpecificOutput"`
}

type hookSpecific struct {
	HookEventName            string         `json:"hookEventName"`
	PermissionDecision       string         `json:"permissionDecision"`
	PermissionDecisionReason string         `json:"permissionDecisionReason"`
	UpdatedInput             map[string]any `json:"updatedInput"`
	UpdatedResponse          map[string]any `json:"updatedResponse"`
	Decision                 string         `json:"decision"`
	Reason                   string         `json:"reason"`
}

// outputFromExitCode interprets a finished handler process: exit 0 parses
// stdout (JSON steering or plain feedback), exit 2 is a blocking deny with
// stderr as the reason, anything else is a non-blocking error.
func outputFromExitCode(exitCode int, stdout, stderr string, logger *slog.Logger) Output {
	out := NewOutput()
	out.ExitCode = exitCode
	out.Stdout = stdout
	out.Stderr = stderr

	switch exitCode {
	case 0:
		if s := strings.TrimSpace(stdout); s != "" {
			var jo jsonOutput
			if err := json.Unmarshal([]byte(s), &jo); err == nil {
				out.applyJSON(jo)
			} else {
				out.Feedback = s
			}
		}
	case 2:
		out.Success = false
		reason := strings.TrimSpace(stderr)
		if reason == "" {
			reason = "Hook returned blocking error"
		}
		out.Feedback = reason
		out.Decision = DecisionDeny
		out.DecisionReason = reason
	default:
		out.Success = false
		if stderr != "" {
			logger.Warn("hook failed with non-blocking status", "exit_code", exitCode, "stderr", strings.TrimSpace(stderr))
		}
	}
	return out
}

func (o *Output) applyJSON(jo jsonOutput) {
	if jo.Continue != nil {
		o.Continue = *jo.Continue
	}
	if jo.StopReason != "" {
		o.StopReason = jo.StopReason
	}
	if jo.SuppressOutput != nil {
		o.SuppressOutput = *jo.SuppressOutput
	}
	if jo.SystemMessage != "" {
		o.SystemMessage = jo.SystemMessage
	}
	if jo.Feedback != "" {
		o.Feedback = jo.Feedback
	}
	hs := jo.HookSpecific
	if hs == nil {
		return
	}
	switch hs.HookEventName {
	case string(PreToolUse):
		switch Decision(strings.ToLower(hs.PermissionDecision)) {
		case DecisionAllow, DecisionDeny, DecisionAsk:
			o.Decision = Decision(strings.ToLower(hs.PermissionDecision))
			o.DecisionReason = hs.PermissionDecisionReason
		}
		if hs.UpdatedInput != nil {
			o.UpdatedInput = hs.UpdatedInput
		}
	case string(PostToolUse):
		if hs.Decision == "block" {
			o.Decision = DecisionDeny
			o.DecisionReason = hs.Reason
		}
		if hs.UpdatedResponse != nil {
			o.UpdatedResponse = hs.UpdatedResponse
		}
	case string(Stop):
		if hs.Decision == "block" {
			o.BlockStop = true
			o.DecisionReason = hs.Reason
		}
	}
}

// Handler is one configured hook.
type Handler struct {
	Matcher string `toml:"matcher" yaml:"matcher" json:"matcher"`
	Type    string `toml:"type" yaml:"type" json:"type"`
	Command string `toml:"command" yaml:"command" json:"command"`
	Script  string `toml:"script" yaml:"script" json:"script"`
	Timeout int    `toml:"timeout" yaml:"timeout" json:"timeout"`
	Enabled *bool  `toml:"enabled" yaml:"enabled" json:"enabled"`
}

func (h Handler) enabled() bool { return h.Enabled == nil || *h.Enabled }

func (h Handler) timeout() time.Duration {
	if h.Timeout > 0 {
		return time.Duration(h.Timeout) * time.Second
	}
	return 30 * time.Second
}

// Matches reports whether this handler applies to the tool. The matcher is
// an anchored regex alternation ("bash|write_file"); "*" or empty matches
// everything; an invalid regex falls back to exact comparison.
func (h Handler) Matches(toolName string) bool {
	if h.Matcher == "*" || h.Matcher == "" {
		return true
	}
	if toolName == "" {
		return false
	}
	re, err := regexp.Compile("^(" + h.Matcher + ")$")
	if err != nil {
		return h.Matcher == toolName
	}
	return re.MatchString(toolName)
}

// fileConfig is the on-disk shape shared by toml, yaml, and json files.
type fileConfig struct {
	Hooks map[string]struct {
		Handlers []Handler `toml:"handlers" yaml:"handlers" json:"handlers"`
	} `toml:"hooks" yaml:"hooks" json:"hooks"`
}

// Manager loads hook configuration and runs handler chains.
type Manager struct {
	projectDir string
	hooks      map[Event][]Handler
	logger     *slog.Logger
}

// NewManager creates a manager rooted at projectDir (cwd when empty).
func NewManager(projectDir string, logger *slog.Logger) *Manager {
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		projectDir: projectDir,
		hooks:      make(map[Event][]Handler),
		logger:     logger,
	}
}

// Load reads user-level then project-level hook files; project handlers
// are appended after user handlers so both run, project last.
func (m *Manager) Load() {
	if dir, err := os.UserConfigDir(); err == nil {
		m.loadFile(filepath.Join(dir, "amcp", "hooks.toml"))
	}
	m.loadFile(filepath.Join(m.projectDir, ".amcp", "hooks.toml"))
	m.loadFile(filepath.Join(m.projectDir, ".amcp", "hooks.yaml"))
	m.loadFile(filepath.Join(m.projectDir, ".amcp", "hooks.json"))
}

// LoadFile parses a single hook config file into the manager.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg fileConfig
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = fmt.Errorf("unsupported hook config format: %s", path)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for name, section := range cfg.Hooks {
		event := Event(name)
		if !knownEvents[event] {
			m.logger.Warn("unknown hook event", "event", name, "file", path)
			continue
		}
		for _, h := range section.Handlers {
			if h.Command != "" {
				h.Command = strings.ReplaceAll(h.Command, "$AMCP_PROJECT_DIR", m.projectDir)
			}
			if h.Script != "" && !filepath.IsAbs(h.Script) {
				h.Script = filepath.Join(filepath.Dir(path), h.Script)
			}
			m.hooks[event] = append(m.hooks[event], h)
		}
	}
	return nil
}

func (m *Manager) loadFile(path string) {
	if err := m.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to load hooks config", "file", path, "error", err)
	}
}

// Handlers returns the enabled handlers matching an event and tool.
func (m *Manager) Handlers(event Event, toolName string) []Handler {
	var out []Handler
	for _, h := range m.hooks[event] {
		if h.enabled() && h.Matches(toolName) {
			out = append(out, h)
		}
	}
	return out
}

// Add registers a handler programmatically.
func (m *Manager) Add(event Event, h Handler) {
	m.hooks[event] = append(m.hooks[event], h)
}

// Execute runs all matching handlers in order, merging their outputs.
// The chain stops early on a deny decision or a continue=false.
func (m *Manager) Execute(ctx context.Context, event Event, in Input) Output {
	handlers := m.Handlers(event, in.ToolName)
	combined := NewOutput()
	if len(handlers) == 0 {
		return combined
	}

	for _, h := range handlers {
		out, err := m.run(ctx, h, in)
		if err != nil {
			m.logger.Warn("hook execution failed", "event", string(event), "error", err)
			appendFeedback(&combined, fmt.Sprintf("Hook execution failed: %v", err))
			continue
		}

		merge(&combined, out)

		if !out.Continue {
			combined.Continue = false
			combined.StopReason = out.StopReason
			break
		}
		if out.Decision == DecisionDeny {
			break
		}
	}
	return combined
}

func (m *Manager) run(ctx context.Context, h Handler, in Input) (Output, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return Output{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	var cmd *exec.Cmd
	switch {
	case h.Type == "script" && h.Script != "":
		if _, err := os.Stat(h.Script); err != nil {
			return Output{}, fmt.Errorf("hook script not found: %s", h.Script)
		}
		cmd = exec.CommandContext(hctx, h.Script)
	case h.Command != "":
		cmd = exec.CommandContext(hctx, "/bin/sh", "-c", h.Command)
	default:
		return NewOutput(), nil
	}

	cmd.Dir = m.projectDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	env := append(os.Environ(),
		"AMCP_PROJECT_DIR="+m.projectDir,
		"AMCP_SESSION_ID="+in.SessionID,
		"AMCP_HOOK_EVENT="+in.HookEvent,
	)
	if in.ToolName != "" {
		env = append(env, "AMCP_TOOL_NAME="+in.ToolName)
	}
	cmd.Env = env

	err = cmd.Run()
	if hctx.Err() == context.DeadlineExceeded {
		return Output{}, fmt.Errorf("hook timed out after %s", h.timeout())
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Output{}, err
		}
	}
	return outputFromExitCode(exitCode, stdout.String(), stderr.String(), m.logger), nil
}

// merge folds a later handler's output into the chain result; later hooks
// override earlier ones for single-valued fields, feedback accumulates.
func merge(target *Output, source Output) {
	if source.Feedback != "" {
		appendFeedback(target, source.Feedback)
	}
	if source.SystemMessage != "" {
		target.SystemMessage = source.SystemMessage
	}
	if source.UpdatedInput != nil {
		target.UpdatedInput = source.UpdatedInput
	}
	if source.UpdatedResponse != nil {
		target.UpdatedResponse = source.UpdatedResponse
	}
	if source.Decision != DecisionContinue {
		target.Decision = source.Decision
		target.DecisionReason = source.DecisionReason
	}
	if source.SuppressOutput {
		target.SuppressOutput = true
	}
	if source.BlockStop {
		target.BlockStop = true
	}
	if !source.Success {
		target.Success = false
	}
}

func appendFeedback(o *Output, msg string) {
	if o.Feedback == "" {
		o.Feedback = msg
		return
	}
	o.Feedback += "\n" + msg
}
