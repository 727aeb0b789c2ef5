package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amcp-io/amcp/internal/config"
)

// DefaultWatchDebounce coalesces bursts of file events into a single
// re-discovery.
const DefaultWatchDebounce = 250 * time.Millisecond

// Options configures a Manager.
type Options struct {
	// UserDir is the user-level skills directory. Defaults to
	// <user-config>/amcp/skills.
	UserDir string

	// ProjectRoot is the directory containing .amcp/skills. Defaults to
	// the current working directory.
	ProjectRoot string

	// Disabled lists skill names excluded from activation.
	Disabled []string

	// WatchDebounce overrides the watcher debounce interval.
	WatchDebounce time.Duration

	Logger *slog.Logger
}

// Manager discovers skills and tracks per-process activation state.
// Project skills override user skills with the same name.
type Manager struct {
	userDir     string
	projectRoot string
	logger      *slog.Logger
	debounce    time.Duration

	mu       sync.RWMutex
	skills   map[string]*Skill
	active   map[string]struct{}
	disabled map[string]struct{}

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchPaths  map[string]struct{}
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewManager creates a manager. Call Discover before first use.
func NewManager(opts Options) *Manager {
	if opts.UserDir == "" {
		opts.UserDir = filepath.Join(config.UserConfigDir(), "skills")
	}
	if opts.ProjectRoot == "" {
		opts.ProjectRoot, _ = os.Getwd()
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = DefaultWatchDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		userDir:     opts.UserDir,
		projectRoot: opts.ProjectRoot,
		logger:      opts.Logger.With("component", "skills"),
		debounce:    opts.WatchDebounce,
		skills:      make(map[string]*Skill),
		active:      make(map[string]struct{}),
		disabled:    make(map[string]struct{}),
	}
	m.SetDisabled(opts.Disabled)
	return m
}

// ProjectSkillsDir returns the project-level skills directory.
func (m *Manager) ProjectSkillsDir() string {
	return filepath.Join(m.projectRoot, ".amcp", "skills")
}

// UserSkillsDir returns the user-level skills directory.
func (m *Manager) UserSkillsDir() string {
	return m.userDir
}

// Discover rescans both skill directories. Project skills replace user
// skills with the same name. Activation state for surviving skills is
// kept across rescans.
func (m *Manager) Discover() error {
	found := make(map[string]*Skill)
	for _, dir := range []string{m.userDir, m.ProjectSkillsDir()} {
		for _, skill := range m.discoverDir(dir) {
			found[skill.Name] = skill
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, skill := range found {
		_, skill.Disabled = m.disabled[skill.Name]
	}
	m.skills = found

	for name := range m.active {
		if _, ok := found[name]; !ok {
			delete(m.active, name)
		}
	}

	m.logger.Debug("discovered skills", "count", len(found))
	return nil
}

// discoverDir parses every <dir>/<name>/SKILL.md. Unparseable files are
// skipped with a warning so one broken skill does not hide the rest.
func (m *Manager) discoverDir(dir string) []*Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var found []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		skill, err := ParseSkillFile(path)
		if err != nil {
			m.logger.Warn("skipping invalid skill", "path", path, "error", err)
			continue
		}
		found = append(found, skill)
	}
	return found
}

// Get returns a skill by name, disabled or not.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.skills[name]
	return skill, ok
}

// Skills returns all enabled skills sorted by name.
func (m *Manager) Skills() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Skill, 0, len(m.skills))
	for _, skill := range m.skills {
		if !skill.Disabled {
			result = append(result, skill)
		}
	}
	sortByName(result)
	return result
}

// AllSkills returns every discovered skill, including disabled ones,
// sorted by name.
func (m *Manager) AllSkills() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Skill, 0, len(m.skills))
	for _, skill := range m.skills {
		result = append(result, skill)
	}
	sortByName(result)
	return result
}

// Snapshots returns listing entries for every discovered skill.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Snapshot, 0, len(m.skills))
	for _, skill := range m.skills {
		_, active := m.active[skill.Name]
		result = append(result, Snapshot{
			Name:        skill.Name,
			Description: skill.Description,
			Location:    skill.Location,
			Active:      active && !skill.Disabled,
			Disabled:    skill.Disabled,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// SetDisabled replaces the disabled skill list.
func (m *Manager) SetDisabled(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disabled = make(map[string]struct{}, len(names))
	for _, name := range names {
		m.disabled[name] = struct{}{}
	}
	for _, skill := range m.skills {
		_, skill.Disabled = m.disabled[skill.Name]
	}
}

// Activate marks a skill active for this process.
func (m *Manager) Activate(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	skill, ok := m.skills[name]
	if !ok {
		return fmt.Errorf("skill not found: %s", name)
	}
	if skill.Disabled {
		return fmt.Errorf("skill is disabled: %s", name)
	}
	m.active[name] = struct{}{}
	return nil
}

// Deactivate clears a skill's active flag. Unknown names are ignored.
func (m *Manager) Deactivate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, name)
}

// IsActive reports whether a skill is currently active.
func (m *Manager) IsActive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[name]
	return ok
}

// ActiveSkills returns the active, enabled skills sorted by name.
func (m *Manager) ActiveSkills() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Skill
	for name := range m.active {
		if skill, ok := m.skills[name]; ok && !skill.Disabled {
			result = append(result, skill)
		}
	}
	sortByName(result)
	return result
}

// PromptSection renders the active skills as a system prompt section.
// Returns the empty string when no skill is active.
func (m *Manager) PromptSection() string {
	active := m.ActiveSkills()
	if len(active) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Active Skills\n")
	for _, skill := range active {
		fmt.Fprintf(&b, "\n### Skill: %s\n", skill.Name)
		if skill.Description != "" {
			fmt.Fprintf(&b, "*%s*\n\n", skill.Description)
		}
		b.WriteString(skill.Body)
		b.WriteString("\n")
	}
	return b.String()
}

// Watch starts an fsnotify watcher on the skill directories and
// re-discovers after a debounce when SKILL.md files change.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return err
	}
	m.watcher = watcher
	m.watchPaths = make(map[string]struct{})
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchMu.Unlock()

	m.refreshWatches()

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher if one is running.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.watchWg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleRefresh := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if err := m.Discover(); err != nil {
				m.logger.Warn("skill rediscovery failed", "error", err)
			}
			m.refreshWatches()
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleRefresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}

// refreshWatches syncs watcher registrations to the current directory
// layout: both roots plus every skill subdirectory that exists.
func (m *Manager) refreshWatches() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watcher == nil {
		return
	}

	desired := make(map[string]struct{})
	for _, root := range []string{m.userDir, m.ProjectSkillsDir()} {
		if !isDir(root) {
			continue
		}
		desired[filepath.Clean(root)] = struct{}{}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				desired[filepath.Join(root, entry.Name())] = struct{}{}
			}
		}
	}

	for path := range desired {
		if _, ok := m.watchPaths[path]; ok {
			continue
		}
		if err := m.watcher.Add(path); err != nil {
			m.logger.Debug("failed to watch skills path", "path", path, "error", err)
			continue
		}
		m.watchPaths[path] = struct{}{}
	}
	for path := range m.watchPaths {
		if _, ok := desired[path]; ok {
			continue
		}
		_ = m.watcher.Remove(path)
		delete(m.watchPaths, path)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func sortByName(skills []*Skill) {
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
}
