package commands

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/amcp-io/amcp/internal/config"
)

// commandFile is the TOML schema of a file command.
type commandFile struct {
	Prompt      string `toml:"prompt"`
	Description string `toml:"description"`
}

// Options configures a Manager.
type Options struct {
	// UserDir is the user-level commands directory. Defaults to
	// <user-config>/amcp/commands.
	UserDir string

	// ProjectRoot is the directory containing .amcp/commands. Defaults
	// to the current working directory.
	ProjectRoot string

	// Disabled lists command names that discovery skips.
	Disabled []string

	Logger *slog.Logger
}

// Manager discovers file commands and dispatches both file and builtin
// commands.
type Manager struct {
	userDir     string
	projectRoot string
	logger      *slog.Logger
	disabled    map[string]struct{}

	mu       sync.RWMutex
	commands map[string]*Command
	builtins map[string]*Command
}

// NewManager creates a manager. Call Discover to load file commands.
func NewManager(opts Options) *Manager {
	if opts.UserDir == "" {
		opts.UserDir = filepath.Join(config.UserConfigDir(), "commands")
	}
	if opts.ProjectRoot == "" {
		opts.ProjectRoot, _ = os.Getwd()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	disabled := make(map[string]struct{}, len(opts.Disabled))
	for _, name := range opts.Disabled {
		disabled[name] = struct{}{}
	}

	return &Manager{
		userDir:     opts.UserDir,
		projectRoot: opts.ProjectRoot,
		logger:      opts.Logger.With("component", "commands"),
		disabled:    disabled,
		commands:    make(map[string]*Command),
		builtins:    make(map[string]*Command),
	}
}

// UserCommandsDir returns the user-level commands directory.
func (m *Manager) UserCommandsDir() string { return m.userDir }

// ProjectCommandsDir returns the project-level commands directory.
func (m *Manager) ProjectCommandsDir() string {
	return filepath.Join(m.projectRoot, ".amcp", "commands")
}

// RegisterBuiltin registers a builtin command. Builtins survive
// rediscovery but can be shadowed by file commands of the same name.
func (m *Manager) RegisterBuiltin(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd.Kind = KindBuiltin
	m.builtins[cmd.Name] = cmd
	m.commands[cmd.Name] = cmd
}

// Discover rescans both command directories. Project commands take
// precedence over user commands; both override builtins.
func (m *Manager) Discover() error {
	found := make(map[string]*Command)

	m.mu.RLock()
	for name, cmd := range m.builtins {
		found[name] = cmd
	}
	m.mu.RUnlock()

	for _, dir := range []string{m.userDir, m.ProjectCommandsDir()} {
		for _, cmd := range m.discoverDir(dir) {
			found[cmd.Name] = cmd
		}
	}

	for name := range m.disabled {
		delete(found, name)
	}

	m.mu.Lock()
	m.commands = found
	m.mu.Unlock()

	m.logger.Debug("discovered commands", "count", len(found))
	return nil
}

// discoverDir loads every *.toml under dir, recursively. Invalid files
// are skipped with a warning.
func (m *Manager) discoverDir(dir string) []*Command {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}

	var found []*Command
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".toml") {
			return nil
		}
		cmd, perr := m.parseCommandFile(path, dir)
		if perr != nil {
			m.logger.Warn("skipping invalid command", "path", path, "error", perr)
			return nil
		}
		found = append(found, cmd)
		return nil
	})
	if err != nil {
		m.logger.Warn("command discovery walk failed", "dir", dir, "error", err)
	}
	return found
}

// parseCommandFile parses one TOML command file. The command name is
// the path relative to the base directory, with path separators turned
// into ':' and the .toml extension removed.
func (m *Manager) parseCommandFile(path, baseDir string) (*Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file commandFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	if file.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(rel, ".toml")
	name = strings.ReplaceAll(filepath.ToSlash(name), "/", ":")

	description := file.Description
	if description == "" {
		description = fmt.Sprintf("Custom command from %s", filepath.Base(path))
	}

	return &Command{
		Name:           name,
		Description:    description,
		Kind:           KindFile,
		SourceFile:     path,
		PromptTemplate: file.Prompt,
	}, nil
}

// Get returns a command by name.
func (m *Manager) Get(name string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[name]
	return cmd, ok
}

// All returns every command sorted by name.
func (m *Manager) All() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Matching returns commands whose names start with prefix, sorted.
func (m *Manager) Matching(prefix string) []*Command {
	var result []*Command
	for _, cmd := range m.All() {
		if strings.HasPrefix(cmd.Name, prefix) {
			result = append(result, cmd)
		}
	}
	return result
}

// ParseInput matches a leading-slash input against the registry. The
// second return value is the argument string. A space-separated form of
// a namespaced command also matches: "/git commit msg" resolves to
// git:commit with args "msg".
func (m *Manager) ParseInput(input string) (*Command, string) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, input
	}

	withoutSlash := trimmed[1:]
	name, args, _ := strings.Cut(withoutSlash, " ")
	args = strings.TrimSpace(args)

	if cmd, ok := m.Get(name); ok {
		return cmd, args
	}

	// Space-separated namespacing: consume words into the name as long
	// as they extend a known command prefix.
	namespaced := name
	rest := args
	for rest != "" {
		word, remainder, _ := strings.Cut(rest, " ")
		candidate := namespaced + ":" + word
		if cmd, ok := m.Get(candidate); ok {
			return cmd, strings.TrimSpace(remainder)
		}
		if len(m.Matching(candidate+":")) == 0 {
			break
		}
		namespaced = candidate
		rest = strings.TrimSpace(remainder)
	}

	return nil, input
}

// Execute runs a command and returns its result. File commands go
// through template processing; builtins call their action.
func (m *Manager) Execute(cmd *Command, args string) Result {
	ctx := &Context{
		RawInput:    strings.TrimSpace("/" + cmd.Name + " " + args),
		CommandName: cmd.Name,
		Args:        args,
		WorkDir:     m.projectRoot,
		ProjectRoot: m.projectRoot,
	}

	if cmd.Action != nil {
		return cmd.Action(ctx)
	}
	if cmd.PromptTemplate != "" {
		return Result{Type: ResultSubmitPrompt, Content: processTemplate(cmd.PromptTemplate, ctx)}
	}
	return errorResult(fmt.Sprintf("Command '%s' has no action", cmd.Name))
}

// Expand resolves a leading-slash prompt: when it matches a command the
// command's result is returned, otherwise ok is false and the prompt
// should be sent to the agent untouched.
func (m *Manager) Expand(input string) (Result, bool) {
	cmd, args := m.ParseInput(input)
	if cmd == nil {
		return Result{}, false
	}
	return m.Execute(cmd, args), true
}
