// Package patch implements the context-anchored multi-file diff format
// used by the apply_patch tool.
//
// A patch document is framed by "*** Begin Patch" / "*** End Patch" and
// contains Add File, Delete File, and Update File operations. Update hunks
// locate their target span through optional "@@ " anchors followed by an
// exact, whitespace-significant match of the hunk's context and deletion
// lines. Application is staged: nothing is written until every hunk in
// every operation validates.
package patch

import (
	"fmt"
	"regexp"
	"strings"
)

// OpType identifies a file operation within a patch.
type OpType string

const (
	OpAdd    OpType = "add"
	OpDelete OpType = "delete"
	OpUpdate OpType = "update"
)

// ParseError reports a malformed patch document.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("patch parse error at line %d: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("patch parse error: %s", e.Message)
}

// ApplyError reports a hunk that could not be located or applied. Sought
// carries the first few lines the applier searched for, for diagnostics.
type ApplyError struct {
	Path    string
	Hunk    int
	Message string
	Sought  []string
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("patch apply error in %s (hunk %d): %s", e.Path, e.Hunk+1, e.Message)
	if len(e.Sought) > 0 {
		msg += fmt.Sprintf("; looking for: %q", e.Sought)
	}
	return msg
}

// HunkLine is a single diff line: ' ' context, '-' deletion, '+' insertion.
type HunkLine struct {
	Prefix byte
	Text   string
}

func (l HunkLine) IsContext() bool  { return l.Prefix == ' ' }
func (l HunkLine) IsDeletion() bool { return l.Prefix == '-' }
func (l HunkLine) IsInsertion() bool {
	return l.Prefix == '+'
}

// Hunk is one change region within an Update File operation.
type Hunk struct {
	Anchors []string
	Lines   []HunkLine
}

// pattern returns the context and deletion lines in order; this is the
// exact sequence the applier must find in the target file.
func (h Hunk) pattern() []string {
	var out []string
	for _, l := range h.Lines {
		if l.IsContext() || l.IsDeletion() {
			out = append(out, l.Text)
		}
	}
	return out
}

// replacement returns the context and insertion lines in order.
func (h Hunk) replacement() []string {
	var out []string
	for _, l := range h.Lines {
		if l.IsContext() || l.IsInsertion() {
			out = append(out, l.Text)
		}
	}
	return out
}

// FileOp is one operation in a patch.
type FileOp struct {
	Type    OpType
	Path    string
	MoveTo  string   // optional rename target for updates
	Content []string // file body for adds, one entry per line
	Hunks   []Hunk   // change regions for updates
}

// Patch is a parsed patch document.
type Patch struct {
	Ops []FileOp
}

var (
	beginRe   = regexp.MustCompile(`(?i)^\*\*\*\s*Begin\s*Patch\s*$`)
	endRe     = regexp.MustCompile(`(?i)^\*\*\*\s*End\s*Patch\s*$`)
	addRe     = regexp.MustCompile(`(?i)^\*\*\*\s*Add\s*File:\s*(.+?)\s*$`)
	deleteRe  = regexp.MustCompile(`(?i)^\*\*\*\s*Delete\s*File:\s*(.+?)\s*$`)
	updateRe  = regexp.MustCompile(`(?i)^\*\*\*\s*Update\s*File:\s*(.+?)\s*$`)
	moveToRe  = regexp.MustCompile(`(?i)^\*\*\*\s*Move\s*to:\s*(.+?)\s*$`)
	hunkRe    = regexp.MustCompile(`^@@\s*(.*)$`)
	eofMarkRe = regexp.MustCompile(`(?i)^\*\*\*\s*End\s*of\s*File\s*$`)
)

func isOpHeader(line string) bool {
	return endRe.MatchString(line) || addRe.MatchString(line) ||
		deleteRe.MatchString(line) || updateRe.MatchString(line)
}

func validatePath(path string, line int) error {
	if strings.HasPrefix(path, "/") {
		return &ParseError{Line: line, Message: fmt.Sprintf("absolute paths not allowed: %s", path)}
	}
	return nil
}

// Parse parses a patch document. Paths must be repo-relative; the framing
// markers are required.
func Parse(text string) (*Patch, error) {
	lines := strings.Split(text, "\n")
	patch := &Patch{}

	i := 0
	for i < len(lines) && !beginRe.MatchString(strings.TrimSpace(lines[i])) {
		i++
	}
	if i >= len(lines) {
		return nil, &ParseError{Message: "no '*** Begin Patch' found"}
	}
	i++

	ended := false
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])

		if endRe.MatchString(trimmed) {
			ended = true
			break
		}

		if m := addRe.FindStringSubmatch(trimmed); m != nil {
			if err := validatePath(m[1], i+1); err != nil {
				return nil, err
			}
			op, next := parseAdd(lines, i, m[1])
			patch.Ops = append(patch.Ops, op)
			i = next
			continue
		}
		if m := deleteRe.FindStringSubmatch(trimmed); m != nil {
			if err := validatePath(m[1], i+1); err != nil {
				return nil, err
			}
			patch.Ops = append(patch.Ops, FileOp{Type: OpDelete, Path: m[1]})
			i++
			continue
		}
		if m := updateRe.FindStringSubmatch(trimmed); m != nil {
			if err := validatePath(m[1], i+1); err != nil {
				return nil, err
			}
			op, next, err := parseUpdate(lines, i, m[1])
			if err != nil {
				return nil, err
			}
			patch.Ops = append(patch.Ops, op)
			i = next
			continue
		}

		if trimmed != "" {
			return nil, &ParseError{Line: i + 1, Message: fmt.Sprintf("unexpected line: %q", lines[i])}
		}
		i++
	}

	if !ended {
		return nil, &ParseError{Message: "no '*** End Patch' found"}
	}
	if len(patch.Ops) == 0 {
		return nil, &ParseError{Message: "patch contains no operations"}
	}
	return patch, nil
}

func parseAdd(lines []string, start int, path string) (FileOp, int) {
	op := FileOp{Type: OpAdd, Path: path}
	i := start + 1
	for i < len(lines) {
		if isOpHeader(strings.TrimSpace(lines[i])) {
			break
		}
		if strings.HasPrefix(lines[i], "+") {
			op.Content = append(op.Content, lines[i][1:])
		}
		i++
	}
	return op, i
}

func parseUpdate(lines []string, start int, path string) (FileOp, int, error) {
	op := FileOp{Type: OpUpdate, Path: path}
	i := start + 1

	if i < len(lines) {
		if m := moveToRe.FindStringSubmatch(strings.TrimSpace(lines[i])); m != nil {
			if err := validatePath(m[1], i+1); err != nil {
				return op, i, err
			}
			op.MoveTo = m[1]
			i++
		}
	}

	var cur *Hunk
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if isOpHeader(trimmed) {
			break
		}
		if eofMarkRe.MatchString(trimmed) {
			i++
			continue
		}
		if m := hunkRe.FindStringSubmatch(trimmed); m != nil {
			// A fresh @@ after diff lines starts a new hunk; consecutive
			// @@ lines stack anchors on the same hunk.
			if cur == nil || len(cur.Lines) > 0 {
				op.Hunks = append(op.Hunks, Hunk{})
				cur = &op.Hunks[len(op.Hunks)-1]
			}
			if anchor := strings.TrimSpace(m[1]); anchor != "" {
				cur.Anchors = append(cur.Anchors, anchor)
			}
			i++
			continue
		}
		if len(line) > 0 && (line[0] == ' ' || line[0] == '-' || line[0] == '+') {
			if cur == nil {
				op.Hunks = append(op.Hunks, Hunk{})
				cur = &op.Hunks[len(op.Hunks)-1]
			}
			cur.Lines = append(cur.Lines, HunkLine{Prefix: line[0], Text: line[1:]})
			i++
			continue
		}
		if trimmed == "" {
			i++
			continue
		}
		return op, i, &ParseError{Line: i + 1, Message: fmt.Sprintf("unexpected line in update hunk: %q", line)}
	}

	if len(op.Hunks) == 0 && op.MoveTo == "" {
		return op, i, &ParseError{Line: start + 1, Message: fmt.Sprintf("update for %s has no hunks", path)}
	}
	return op, i, nil
}

// Serialize renders the patch back to its canonical wire form. Parsing the
// output yields an equal patch.
func (p *Patch) Serialize() string {
	var b strings.Builder
	b.WriteString("*** Begin Patch\n")
	for _, op := range p.Ops {
		switch op.Type {
		case OpAdd:
			fmt.Fprintf(&b, "*** Add File: %s\n", op.Path)
			for _, line := range op.Content {
				b.WriteString("+")
				b.WriteString(line)
				b.WriteString("\n")
			}
		case OpDelete:
			fmt.Fprintf(&b, "*** Delete File: %s\n", op.Path)
		case OpUpdate:
			fmt.Fprintf(&b, "*** Update File: %s\n", op.Path)
			if op.MoveTo != "" {
				fmt.Fprintf(&b, "*** Move to: %s\n", op.MoveTo)
			}
			for _, h := range op.Hunks {
				if len(h.Anchors) == 0 {
					b.WriteString("@@\n")
				}
				for _, a := range h.Anchors {
					fmt.Fprintf(&b, "@@ %s\n", a)
				}
				for _, l := range h.Lines {
					b.WriteByte(l.Prefix)
					b.WriteString(l.Text)
					b.WriteString("\n")
				}
			}
		}
	}
	b.WriteString("*** End Patch\n")
	return b.String()
}
