// Package permissions decides whether tool calls may run. Rules are merged
// from layered sources (built-in defaults, user config, project config,
// agent overrides, session approvals); within the merged list the last
// matching rule wins. Session modes then override the base decision, and
// ask decisions block on a client answer routed through the event bus.
package permissions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/amcp-io/amcp/internal/bus"
)

// Action is the outcome of a permission evaluation.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionAsk      Action = "ask"
	ActionDeny     Action = "deny"
	ActionDelegate Action = "delegate"
)

// ParseAction validates a config value; unknown actions are an error so a
// typo in a rule never silently allows anything.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAllow, ActionAsk, ActionDeny, ActionDelegate:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown permission action %q", s)
}

// Mode is a session-level override applied after rule evaluation.
type Mode string

const (
	// ModeNormal follows the configured rules.
	ModeNormal Mode = "normal"
	// ModeYolo turns every non-deny decision into allow.
	ModeYolo Mode = "yolo"
	// ModeStrict turns every non-deny decision into ask.
	ModeStrict Mode = "strict"
)

// ParseMode maps a config value to a mode, defaulting to normal.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeYolo, ModeStrict:
		return Mode(s)
	default:
		return ModeNormal
	}
}

// Rule matches a permission type (usually a tool name) and a value pattern
// against an action.
type Rule struct {
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
	Action     Action `json:"action"`
	DelegateTo string `json:"delegate_to,omitempty"`
}

// Matches reports whether the rule applies to the given tool and value.
// Both sides use glob matching so rules like "mcp.*" cover tool families.
func (r Rule) Matches(toolName, value string) bool {
	return GlobMatch(toolName, r.Permission) && GlobMatch(value, r.Pattern)
}

// Request carries everything needed to evaluate one tool call.
type Request struct {
	ToolName  string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// MatchValue derives the string rule patterns match against. Commands for
// bash, paths for file tools, affected files for patches, and the JSON
// arguments otherwise.
func (r Request) MatchValue() string {
	switch r.ToolName {
	case "bash":
		return argString(r.Arguments, "command")
	case "read_file", "write_file", "edit_file", "external_path":
		return argString(r.Arguments, "path")
	case "grep":
		return argString(r.Arguments, "pattern")
	case "apply_patch":
		files := extractPatchFiles(argString(r.Arguments, "patch"))
		if len(files) == 0 {
			return "*"
		}
		return strings.Join(files, " ")
	}
	data, err := json.Marshal(r.Arguments)
	if err != nil {
		return ""
	}
	return string(data)
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Result is the decision for a request.
type Result struct {
	Action         Action   `json:"action"`
	MatchedRule    *Rule    `json:"matched_rule,omitempty"`
	Message        string   `json:"message,omitempty"`
	AlwaysPatterns []string `json:"always_patterns,omitempty"`
}

// Answer is the client's response to an ask decision.
type Answer string

const (
	AnswerAllowOnce   Answer = "allow_once"
	AnswerAllowAlways Answer = "allow_always"
	AnswerDeny        Answer = "deny"
)

// Asker routes an ask decision to the client and blocks for the answer.
// Implementations should respect the context deadline.
type Asker interface {
	Ask(ctx context.Context, req Request, res Result) (Answer, error)
}

// DeniedError reports a deny decision.
type DeniedError struct {
	Tool    string
	Reason  string
	Rule    *Rule
}

func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("permission denied for %s", e.Tool)
}

// ErrRejected is returned when the client answers deny to an ask.
var ErrRejected = errors.New("permission request rejected")

// defaultRules are the process-level layer: read-only tools allowed,
// sensitive files blocked, mutating tools confirmed.
var defaultRules = []Rule{
	{Permission: "read_file", Pattern: "**", Action: ActionAllow},
	{Permission: "grep", Pattern: "**", Action: ActionAllow},
	{Permission: "think", Pattern: "**", Action: ActionAllow},
	{Permission: "todo", Pattern: "**", Action: ActionAllow},
	{Permission: "read_file", Pattern: "**.env", Action: ActionDeny},
	{Permission: "read_file", Pattern: "**.env.*", Action: ActionDeny},
	{Permission: "read_file", Pattern: "**.env.example", Action: ActionAllow},
	{Permission: "bash", Pattern: "**", Action: ActionAsk},
	{Permission: "write_file", Pattern: "**", Action: ActionAsk},
	{Permission: "edit_file", Pattern: "**", Action: ActionAsk},
	{Permission: "apply_patch", Pattern: "**", Action: ActionAsk},
	{Permission: "task", Pattern: "**", Action: ActionAsk},
	{Permission: "mcp.*", Pattern: "**", Action: ActionAsk},
	{Permission: "external_path", Pattern: "**", Action: ActionAsk},
	{Permission: "doom_loop", Pattern: "**", Action: ActionAsk},
}

// DefaultRules returns a copy of the built-in rule layer.
func DefaultRules() []Rule {
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out
}

// Engine evaluates permission requests.
type Engine struct {
	mu              sync.RWMutex
	rules           []Rule // merged layers in precedence order
	sessionApproved map[string][]Rule
	sessionModes    map[string]Mode
	defaultMode     Mode

	asker          Asker
	askTimeout     time.Duration
	delegateTimeout time.Duration
	bus            *bus.Bus
	logger         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAsker installs the client confirmation channel.
func WithAsker(a Asker) Option { return func(e *Engine) { e.asker = a } }

// WithAskTimeout bounds how long an ask blocks before being denied.
func WithAskTimeout(d time.Duration) Option { return func(e *Engine) { e.askTimeout = d } }

// WithDelegateTimeout bounds helper program execution.
func WithDelegateTimeout(d time.Duration) Option { return func(e *Engine) { e.delegateTimeout = d } }

// WithBus attaches the event bus for approval events.
func WithBus(b *bus.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithDefaultMode sets the mode for sessions without an explicit one.
func WithDefaultMode(m Mode) Option { return func(e *Engine) { e.defaultMode = m } }

// NewEngine builds an engine seeded with the default rule layer.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		rules:           DefaultRules(),
		sessionApproved: make(map[string][]Rule),
		sessionModes:    make(map[string]Mode),
		defaultMode:     ModeNormal,
		askTimeout:      5 * time.Minute,
		delegateTimeout: 30 * time.Second,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRules appends a layer of rules. Later layers take precedence because
// the last matching rule wins.
func (e *Engine) AddRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rules...)
}

// Rules returns a snapshot of the merged rule list.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// LoadConfig parses a permissions config section. Values may be a plain
// action string, a delegate spec, or a pattern→action table. Malformed
// entries are logged and skipped.
func (e *Engine) LoadConfig(section map[string]any) {
	var rules []Rule
	for key, value := range section {
		switch v := value.(type) {
		case string:
			action, err := ParseAction(v)
			if err != nil {
				e.logger.Warn("skipping malformed permission rule", "permission", key, "error", err)
				continue
			}
			rules = append(rules, Rule{Permission: key, Pattern: "*", Action: action})
		case map[string]any:
			if actionStr, ok := v["action"].(string); ok {
				if actionStr == string(ActionDelegate) {
					to, _ := v["to"].(string)
					rules = append(rules, Rule{Permission: key, Pattern: "*", Action: ActionDelegate, DelegateTo: to})
					continue
				}
			}
			for pattern, av := range v {
				switch actionVal := av.(type) {
				case string:
					action, err := ParseAction(actionVal)
					if err != nil {
						e.logger.Warn("skipping malformed permission rule", "permission", key, "pattern", pattern, "error", err)
						continue
					}
					rules = append(rules, Rule{Permission: key, Pattern: pattern, Action: action})
				case map[string]any:
					if a, _ := actionVal["action"].(string); a == string(ActionDelegate) {
						to, _ := actionVal["to"].(string)
						rules = append(rules, Rule{Permission: key, Pattern: pattern, Action: ActionDelegate, DelegateTo: to})
					}
				}
			}
		default:
			e.logger.Warn("skipping malformed permission rule", "permission", key)
		}
	}
	e.AddRules(rules)
}

// SetSessionMode overrides the mode for one session.
func (e *Engine) SetSessionMode(sessionID string, mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionModes[sessionID] = mode
}

// SessionMode returns the effective mode for a session.
func (e *Engine) SessionMode(sessionID string) Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m, ok := e.sessionModes[sessionID]; ok {
		return m
	}
	return e.defaultMode
}

// ApproveSessionPattern installs a per-session allow rule.
func (e *Engine) ApproveSessionPattern(sessionID, permission, pattern string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionApproved[sessionID] = append(e.sessionApproved[sessionID], Rule{
		Permission: permission,
		Pattern:    pattern,
		Action:     ActionAllow,
	})
}

// ClearSession drops per-session approvals and mode.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionApproved, sessionID)
	delete(e.sessionModes, sessionID)
}

// Evaluate computes the decision for a request without blocking.
func (e *Engine) Evaluate(req Request) Result {
	matchValue := req.MatchValue()
	always := alwaysPatterns(req)

	e.mu.RLock()
	// Session approvals are the topmost layer.
	var matched *Rule
	for i := range e.rules {
		if e.rules[i].Matches(req.ToolName, matchValue) {
			matched = &e.rules[i]
		}
	}
	for _, rules := range [][]Rule{e.sessionApproved[req.SessionID]} {
		for i := range rules {
			if rules[i].Matches(req.ToolName, matchValue) {
				matched = &rules[i]
			}
		}
	}
	mode := e.defaultMode
	if m, ok := e.sessionModes[req.SessionID]; ok {
		mode = m
	}
	e.mu.RUnlock()

	base := ActionAsk
	var matchedCopy *Rule
	if matched != nil {
		base = matched.Action
		c := *matched
		matchedCopy = &c
	}

	res := Result{Action: base, MatchedRule: matchedCopy, AlwaysPatterns: always}
	switch mode {
	case ModeYolo:
		if base != ActionDeny {
			res.Action = ActionAllow
			res.Message = "yolo mode: auto-allowed"
		}
	case ModeStrict:
		if base != ActionDeny {
			res.Action = ActionAsk
			res.Message = "strict mode: confirmation required"
		}
	}
	return res
}

// Check evaluates a request and resolves ask and delegate decisions. It
// returns nil when the call may proceed.
func (e *Engine) Check(ctx context.Context, req Request) error {
	res := e.Evaluate(req)

	switch res.Action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &DeniedError{Tool: req.ToolName, Reason: "blocked by rule", Rule: res.MatchedRule}
	case ActionDelegate:
		outcome, stderr := e.delegate(ctx, req, res)
		switch outcome {
		case ActionAllow:
			return nil
		case ActionDeny:
			return &DeniedError{Tool: req.ToolName, Reason: strings.TrimSpace(stderr), Rule: res.MatchedRule}
		}
		// Helper asked for escalation.
		res.Action = ActionAsk
	}
	return e.ask(ctx, req, res)
}

// delegate runs the helper with the request JSON on stdin. Exit 0 allows,
// 1 escalates to ask, anything else denies. Failures and timeouts escalate
// to ask.
func (e *Engine) delegate(ctx context.Context, req Request, res Result) (Action, string) {
	if res.MatchedRule == nil || res.MatchedRule.DelegateTo == "" {
		return ActionAsk, ""
	}

	dctx, cancel := context.WithTimeout(ctx, e.delegateTimeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return ActionAsk, ""
	}

	cmd := exec.CommandContext(dctx, res.MatchedRule.DelegateTo)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "AMCP_TOOL_NAME="+req.ToolName)

	err = cmd.Run()
	if dctx.Err() != nil {
		e.logger.Warn("permission helper timed out", "helper", res.MatchedRule.DelegateTo)
		return ActionAsk, ""
	}
	if err == nil {
		return ActionAllow, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 1 {
			return ActionAsk, ""
		}
		return ActionDeny, stderr.String()
	}
	e.logger.Warn("permission helper failed", "helper", res.MatchedRule.DelegateTo, "error", err)
	return ActionAsk, ""
}

// ask blocks until the client answers or the deadline passes. No configured
// asker means there is no channel that could answer, so the request is
// denied; an unanswered ask within the deadline denies too.
func (e *Engine) ask(ctx context.Context, req Request, res Result) error {
	e.emit(bus.EventApprovalRequired, req, map[string]any{
		"tool":            req.ToolName,
		"request_id":      req.RequestID,
		"always_patterns": res.AlwaysPatterns,
		"message":         res.Message,
	})

	if e.asker == nil {
		e.emit(bus.EventApprovalAnswered, req, map[string]any{"request_id": req.RequestID, "answer": "deny", "reason": "no approval channel"})
		return &DeniedError{Tool: req.ToolName, Reason: "approval required but no approval channel is configured", Rule: res.MatchedRule}
	}

	actx, cancel := context.WithTimeout(ctx, e.askTimeout)
	defer cancel()

	answer, err := e.asker.Ask(actx, req, res)
	if err != nil {
		e.emit(bus.EventApprovalAnswered, req, map[string]any{"request_id": req.RequestID, "answer": "deny", "reason": "timeout"})
		return &DeniedError{Tool: req.ToolName, Reason: "no approval before deadline", Rule: res.MatchedRule}
	}

	e.emit(bus.EventApprovalAnswered, req, map[string]any{"request_id": req.RequestID, "answer": string(answer)})

	switch answer {
	case AnswerAllowOnce:
		return nil
	case AnswerAllowAlways:
		if len(res.AlwaysPatterns) > 0 {
			e.ApproveSessionPattern(req.SessionID, req.ToolName, res.AlwaysPatterns[0])
		}
		return nil
	default:
		return ErrRejected
	}
}

func (e *Engine) emit(t bus.EventType, req Request, payload map[string]any) {
	if e.bus != nil {
		e.bus.EmitAsync(bus.New(t, req.SessionID, payload))
	}
}

// alwaysPatterns suggests generalizations for allow_always answers.
func alwaysPatterns(req Request) []string {
	var patterns []string
	switch {
	case req.ToolName == "bash":
		command := argString(req.Arguments, "command")
		if prefix := commandPrefix(command); prefix != "" {
			patterns = append(patterns, prefix+" *")
		}
		if command != "" {
			patterns = append(patterns, command)
		}
	case req.ToolName == "read_file" || req.ToolName == "write_file" || req.ToolName == "edit_file" || req.ToolName == "external_path":
		path := argString(req.Arguments, "path")
		if idx := strings.LastIndex(path, "/"); idx > 0 {
			patterns = append(patterns, path[:idx]+"/*")
		}
		if idx := strings.LastIndex(path, "."); idx > 0 {
			patterns = append(patterns, "*."+path[idx+1:])
		}
		if path != "" {
			patterns = append(patterns, path)
		}
	case req.ToolName == "grep":
		if p := argString(req.Arguments, "pattern"); p != "" {
			patterns = append(patterns, p)
		} else {
			patterns = append(patterns, "*")
		}
	default:
		patterns = append(patterns, "*")
	}
	return patterns
}

func extractPatchFiles(patch string) []string {
	var files []string
	for _, line := range strings.Split(patch, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "*** Add File:"):
			files = append(files, strings.TrimSpace(line[len("*** Add File:"):]))
		case strings.HasPrefix(line, "*** Update File:"):
			files = append(files, strings.TrimSpace(line[len("*** Update File:"):]))
		case strings.HasPrefix(line, "*** Delete File:"):
			files = append(files, strings.TrimSpace(line[len("*** Delete File:"):]))
		case strings.HasPrefix(line, "*** Move to:"):
			files = append(files, strings.TrimSpace(line[len("*** Move to:"):]))
		}
	}
	return files
}
