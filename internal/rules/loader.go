// Package rules loads project instructions from AGENTS.md files and
// renders them as a system prompt section.
//
// Discovery order, general to specific: the global
// <user-config>/amcp/AGENTS.md, then one rules file per directory from
// the git root down to the working directory. Later files can override
// earlier ones. Each directory may also carry an override file
// (AGENTS.override.md) that is appended after the regular file.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/amcp-io/amcp/internal/config"
)

// agentsFileNames in priority order; the first match per directory wins.
var agentsFileNames = []string{
	"AGENTS.md",
	"AGENT.md",
	".agents.md",
	"agents.md",
}

// overrideFileNames are appended after the regular rules file.
var overrideFileNames = []string{
	"AGENTS.override.md",
	"AGENT.override.md",
}

// externalRefPattern matches @path/to/file.md references.
var externalRefPattern = regexp.MustCompile(`(?:^|\s)@([\w./\-]+\.md)`)

// Summary describes what a loader found.
type Summary struct {
	WorkDir            string   `json:"work_dir"`
	FilesLoaded        []string `json:"files_loaded"`
	FileCount          int      `json:"file_count"`
	ExternalReferences []string `json:"external_references"`
	HasRules           bool     `json:"has_rules"`
}

// Loader discovers and caches project rules for one working directory.
type Loader struct {
	workDir   string
	globalDir string
	logger    *slog.Logger

	mu          sync.Mutex
	cached      *string
	loadedFiles []string
	externals   []string
}

// Options configures a Loader.
type Options struct {
	// WorkDir is the directory to search from. Defaults to the current
	// working directory.
	WorkDir string

	// GlobalDir overrides the user config directory holding the global
	// AGENTS.md. Defaults to <user-config>/amcp.
	GlobalDir string

	Logger *slog.Logger
}

// NewLoader creates a loader for a working directory.
func NewLoader(opts Options) *Loader {
	if opts.WorkDir == "" {
		opts.WorkDir, _ = os.Getwd()
	}
	if opts.GlobalDir == "" {
		opts.GlobalDir = config.UserConfigDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		workDir = opts.WorkDir
	}
	return &Loader{
		workDir:   workDir,
		globalDir: opts.GlobalDir,
		logger:    opts.Logger.With("component", "rules"),
	}
}

// WorkDir returns the directory the loader searches from.
func (l *Loader) WorkDir() string { return l.workDir }

// FindGitRoot walks up from start looking for a .git entry.
func FindGitRoot(start string) (string, bool) {
	current, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// DiscoverFiles returns every rules file in load order: the global file
// first, then per-directory files from the git root (or the working
// directory when outside a repository) down to the working directory.
func (l *Loader) DiscoverFiles() []string {
	var files []string

	global := filepath.Join(l.globalDir, "AGENTS.md")
	if isFile(global) {
		files = append(files, global)
	}

	boundary := l.workDir
	if root, ok := FindGitRoot(l.workDir); ok {
		boundary = root
	}

	var dirs []string
	current := l.workDir
	for {
		dirs = append(dirs, current)
		if current == boundary {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	// Reverse: general (root) to specific (work dir).
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}

	seen := make(map[string]struct{})
	for _, dir := range dirs {
		for _, candidates := range [][]string{agentsFileNames, overrideFileNames} {
			for _, name := range candidates {
				path := filepath.Join(dir, name)
				if !isFile(path) {
					continue
				}
				if _, dup := seen[path]; !dup {
					seen[path] = struct{}{}
					files = append(files, path)
				}
				break
			}
		}
	}
	return files
}

// Load returns the combined rules section, cached until Reload.
// Returns the empty string when no rules files exist.
func (l *Loader) Load() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil {
		return *l.cached
	}

	files := l.DiscoverFiles()
	l.loadedFiles = files

	var sections []string
	refSet := make(map[string]struct{})
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("failed to load rules file", "path", path, "error", err)
			continue
		}
		content := string(data)
		sections = append(sections, l.formatSection(path, content))
		for _, ref := range ParseExternalReferences(content) {
			refSet[ref] = struct{}{}
		}
	}

	l.externals = make([]string, 0, len(refSet))
	for ref := range refSet {
		l.externals = append(l.externals, ref)
	}
	sort.Strings(l.externals)

	if len(sections) == 0 {
		empty := ""
		l.cached = &empty
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Project Rules\n\n")
	b.WriteString("The following project-specific rules and instructions have been loaded from AGENTS.md files.\n")
	b.WriteString("Follow these guidelines carefully when working on this project.\n\n")
	b.WriteString(strings.Join(sections, "\n"))

	if len(l.externals) > 0 {
		b.WriteString("\n\n### External Reference Files\n\n")
		b.WriteString("The following external rule files are referenced. Load them on-demand using the read_file tool when relevant to your current task:\n\n")
		for _, ref := range l.externals {
			fmt.Fprintf(&b, "  - @%s\n", ref)
		}
		b.WriteString("\nOnly load these files when they are directly relevant to avoid context crowding.\n")
	}

	result := b.String()
	l.cached = &result
	return result
}

// Reload invalidates the cache and loads again.
func (l *Loader) Reload() string {
	l.mu.Lock()
	l.cached = nil
	l.loadedFiles = nil
	l.externals = nil
	l.mu.Unlock()
	return l.Load()
}

// LoadedFiles returns the files the last Load consumed.
func (l *Loader) LoadedFiles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loadedFiles...)
}

// ExternalReferences returns the @file.md references found by the last
// Load, sorted.
func (l *Loader) ExternalReferences() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.externals...)
}

// Summary reports what the loader found, loading if needed.
func (l *Loader) Summary() Summary {
	content := l.Load()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Summary{
		WorkDir:            l.workDir,
		FilesLoaded:        append([]string(nil), l.loadedFiles...),
		FileCount:          len(l.loadedFiles),
		ExternalReferences: append([]string(nil), l.externals...),
		HasRules:           content != "",
	}
}

// formatSection frames one file's content with source comments. The
// path is shortened relative to the working directory or home when
// possible.
func (l *Loader) formatSection(path, content string) string {
	display := path
	if rel, err := filepath.Rel(l.workDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		display = rel
	} else if home, err := os.UserHomeDir(); err == nil {
		if rel, err := filepath.Rel(home, path); err == nil && !strings.HasPrefix(rel, "..") {
			display = "~/" + rel
		}
	}
	return fmt.Sprintf("\n<!-- Project Rules: %s -->\n%s\n<!-- End: %s -->\n",
		display, strings.TrimSpace(content), display)
}

// ParseExternalReferences extracts @path/to/file.md references.
func ParseExternalReferences(content string) []string {
	matches := externalRefPattern.FindAllStringSubmatch(content, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
