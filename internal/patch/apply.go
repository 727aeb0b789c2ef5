package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Outcome describes what happened to a single file.
type Outcome struct {
	Type       string `json:"type"` // created | deleted | updated | renamed
	Path       string `json:"path"`
	MoveTo     string `json:"move_to,omitempty"`
	Additions  int    `json:"additions,omitempty"`
	Deletions  int    `json:"deletions,omitempty"`
	HunksCount int    `json:"hunks,omitempty"`
}

// soughtLimit bounds how many pattern lines an ApplyError carries.
const soughtLimit = 5

// Applier stages and commits patches against a base directory.
type Applier struct {
	BaseDir string
}

// NewApplier creates an applier rooted at baseDir (cwd when empty).
func NewApplier(baseDir string) *Applier {
	if baseDir == "" {
		baseDir = "."
	}
	return &Applier{BaseDir: baseDir}
}

// stagedWrite is a validated, not-yet-committed file mutation.
type stagedWrite struct {
	outcome Outcome
	path    string // absolute target path ("" for pure deletes)
	content string
	remove  string // absolute path to delete after writing, if any
}

// Apply validates every operation, then commits them in patch order.
// On any validation failure nothing is written.
func (a *Applier) Apply(p *Patch) ([]Outcome, error) {
	staged := make([]stagedWrite, 0, len(p.Ops))

	for _, op := range p.Ops {
		sw, err := a.stage(op)
		if err != nil {
			return nil, err
		}
		staged = append(staged, sw)
	}

	outcomes := make([]Outcome, 0, len(staged))
	for _, sw := range staged {
		if sw.path != "" {
			if err := os.MkdirAll(filepath.Dir(sw.path), 0o755); err != nil {
				return outcomes, fmt.Errorf("create parent dir for %s: %w", sw.outcome.Path, err)
			}
			if err := os.WriteFile(sw.path, []byte(sw.content), 0o644); err != nil {
				return outcomes, fmt.Errorf("write %s: %w", sw.outcome.Path, err)
			}
		}
		if sw.remove != "" {
			if err := os.Remove(sw.remove); err != nil {
				return outcomes, fmt.Errorf("remove %s: %w", sw.remove, err)
			}
		}
		outcomes = append(outcomes, sw.outcome)
	}
	return outcomes, nil
}

func (a *Applier) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "/") {
		return "", &ApplyError{Path: path, Message: "absolute paths not allowed"}
	}
	clean := path
	for strings.HasPrefix(clean, "./") {
		clean = clean[2:]
	}
	return filepath.Join(a.BaseDir, clean), nil
}

func (a *Applier) stage(op FileOp) (stagedWrite, error) {
	switch op.Type {
	case OpAdd:
		return a.stageAdd(op)
	case OpDelete:
		return a.stageDelete(op)
	case OpUpdate:
		return a.stageUpdate(op)
	default:
		return stagedWrite{}, &ApplyError{Path: op.Path, Message: fmt.Sprintf("unknown operation %q", op.Type)}
	}
}

func (a *Applier) stageAdd(op FileOp) (stagedWrite, error) {
	abs, err := a.resolve(op.Path)
	if err != nil {
		return stagedWrite{}, err
	}
	content := strings.Join(op.Content, "\n")
	if len(op.Content) > 0 {
		content += "\n"
	}
	return stagedWrite{
		outcome: Outcome{Type: "created", Path: op.Path, Additions: len(op.Content)},
		path:    abs,
		content: content,
	}, nil
}

func (a *Applier) stageDelete(op FileOp) (stagedWrite, error) {
	abs, err := a.resolve(op.Path)
	if err != nil {
		return stagedWrite{}, err
	}
	if _, err := os.Stat(abs); err != nil {
		return stagedWrite{}, &ApplyError{Path: op.Path, Message: "file not found for deletion"}
	}
	return stagedWrite{
		outcome: Outcome{Type: "deleted", Path: op.Path},
		remove:  abs,
	}, nil
}

func (a *Applier) stageUpdate(op FileOp) (stagedWrite, error) {
	abs, err := a.resolve(op.Path)
	if err != nil {
		return stagedWrite{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return stagedWrite{}, &ApplyError{Path: op.Path, Message: "file not found for update"}
	}

	content := string(data)
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	additions, deletions := 0, 0
	for i, h := range op.Hunks {
		lines, err = applyHunk(lines, h, op.Path, i)
		if err != nil {
			return stagedWrite{}, err
		}
		for _, l := range h.Lines {
			switch {
			case l.IsInsertion():
				additions++
			case l.IsDeletion():
				deletions++
			}
		}
	}

	newContent := strings.Join(lines, "\n")
	if trailingNewline || len(lines) > 0 {
		newContent += "\n"
	}

	sw := stagedWrite{
		outcome: Outcome{
			Type:       "updated",
			Path:       op.Path,
			Additions:  additions,
			Deletions:  deletions,
			HunksCount: len(op.Hunks),
		},
		path:    abs,
		content: newContent,
	}
	if op.MoveTo != "" {
		target, err := a.resolve(op.MoveTo)
		if err != nil {
			return stagedWrite{}, err
		}
		sw.outcome.Type = "renamed"
		sw.outcome.MoveTo = op.MoveTo
		sw.path = target
		if target != abs {
			sw.remove = abs
		}
	}
	return sw, nil
}

// applyHunk locates the hunk's pattern in lines and replaces it. Anchors
// narrow the search region in order; within the region the pattern must
// match exactly once.
func applyHunk(lines []string, h Hunk, path string, hunkIdx int) ([]string, error) {
	pattern := h.pattern()
	if len(pattern) == 0 {
		return applyInsertOnlyHunk(lines, h, path, hunkIdx)
	}

	searchStart := 0
	for _, anchor := range h.Anchors {
		found := -1
		for i := searchStart; i < len(lines); i++ {
			if strings.Contains(lines[i], anchor) {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, &ApplyError{
				Path:    path,
				Hunk:    hunkIdx,
				Message: fmt.Sprintf("anchor %q not found", anchor),
				Sought:  truncateSought(pattern),
			}
		}
		searchStart = found
	}

	matches := []int{}
	for i := searchStart; i+len(pattern) <= len(lines); i++ {
		ok := true
		for j, p := range pattern {
			if lines[i+j] != p {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, i)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &ApplyError{
			Path:    path,
			Hunk:    hunkIdx,
			Message: "no match for hunk context",
			Sought:  truncateSought(pattern),
		}
	case 1:
	default:
		return nil, &ApplyError{
			Path:    path,
			Hunk:    hunkIdx,
			Message: fmt.Sprintf("ambiguous hunk context (%d matches)", len(matches)),
			Sought:  truncateSought(pattern),
		}
	}

	at := matches[0]
	replacement := h.replacement()
	out := make([]string, 0, len(lines)-len(pattern)+len(replacement))
	out = append(out, lines[:at]...)
	out = append(out, replacement...)
	out = append(out, lines[at+len(pattern):]...)
	return out, nil
}

// applyInsertOnlyHunk handles hunks with no context or deletions: the
// insertions go after the last anchor, or at end of file without anchors.
func applyInsertOnlyHunk(lines []string, h Hunk, path string, hunkIdx int) ([]string, error) {
	insertAt := len(lines)
	if len(h.Anchors) > 0 {
		searchStart := 0
		for _, anchor := range h.Anchors {
			found := -1
			for i := searchStart; i < len(lines); i++ {
				if strings.Contains(lines[i], anchor) {
					found = i
					break
				}
			}
			if found < 0 {
				return nil, &ApplyError{
					Path:    path,
					Hunk:    hunkIdx,
					Message: fmt.Sprintf("anchor %q not found", anchor),
				}
			}
			searchStart = found
			insertAt = found + 1
		}
	}

	var inserts []string
	for _, l := range h.Lines {
		if l.IsInsertion() {
			inserts = append(inserts, l.Text)
		}
	}

	out := make([]string, 0, len(lines)+len(inserts))
	out = append(out, lines[:insertAt]...)
	out = append(out, inserts...)
	out = append(out, lines[insertAt:]...)
	return out, nil
}

func truncateSought(pattern []string) []string {
	if len(pattern) > soughtLimit {
		return pattern[:soughtLimit]
	}
	return pattern
}
