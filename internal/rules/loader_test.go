package rules

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLoader(t *testing.T, workDir string) *Loader {
	t.Helper()
	return NewLoader(Options{
		WorkDir:   workDir,
		GlobalDir: t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestFindGitRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, ok := FindGitRoot(nested)
	if !ok {
		t.Fatal("expected git root to be found")
	}
	resolved, _ := filepath.EvalSymlinks(got)
	expected, _ := filepath.EvalSymlinks(root)
	if resolved != expected {
		t.Errorf("expected root %q, got %q", expected, resolved)
	}

	if _, ok := FindGitRoot(t.TempDir()); ok {
		t.Error("expected no git root outside a repository")
	}
}

func TestDiscoverFilesOrder(t *testing.T) {
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	workDir := filepath.Join(repo, "services", "api")
	writeFile(t, filepath.Join(repo, "AGENTS.md"), "root rules")
	writeFile(t, filepath.Join(workDir, "AGENTS.md"), "api rules")

	l := newTestLoader(t, workDir)
	writeFile(t, filepath.Join(l.globalDir, "AGENTS.md"), "global rules")

	files := l.DiscoverFiles()
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(files), files)
	}
	// Global first, then root to work dir.
	if filepath.Dir(files[0]) != l.globalDir {
		t.Errorf("expected global file first, got %s", files[0])
	}
	if filepath.Dir(files[1]) != repo {
		t.Errorf("expected repo root second, got %s", files[1])
	}
	if filepath.Dir(files[2]) != workDir {
		t.Errorf("expected work dir last, got %s", files[2])
	}
}

func TestDiscoverFileNamePriority(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agents.md"), "lowercase")
	writeFile(t, filepath.Join(dir, "AGENT.md"), "singular")

	l := newTestLoader(t, dir)
	files := l.DiscoverFiles()
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d: %v", len(files), files)
	}
	if filepath.Base(files[0]) != "AGENT.md" {
		t.Errorf("expected AGENT.md to win, got %s", files[0])
	}
}

func TestDiscoverOverrideFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "AGENTS.md"), "base")
	writeFile(t, filepath.Join(dir, "AGENTS.override.md"), "override")

	l := newTestLoader(t, dir)
	files := l.DiscoverFiles()
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(files), files)
	}
	if filepath.Base(files[1]) != "AGENTS.override.md" {
		t.Errorf("expected override after base, got %v", files)
	}
}

func TestLoadRendersSections(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "AGENTS.md"), "Always run the linter.\n")

	l := newTestLoader(t, dir)
	content := l.Load()

	if !strings.Contains(content, "## Project Rules") {
		t.Errorf("missing header in %q", content)
	}
	if !strings.Contains(content, "<!-- Project Rules: AGENTS.md -->") {
		t.Errorf("missing section frame in %q", content)
	}
	if !strings.Contains(content, "Always run the linter.") {
		t.Errorf("missing rule text in %q", content)
	}
	if !strings.Contains(content, "<!-- End: AGENTS.md -->") {
		t.Errorf("missing end frame in %q", content)
	}
}

func TestLoadEmpty(t *testing.T) {
	l := newTestLoader(t, t.TempDir())
	if got := l.Load(); got != "" {
		t.Errorf("expected empty rules, got %q", got)
	}
	summary := l.Summary()
	if summary.HasRules || summary.FileCount != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestLoadExternalReferences(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "AGENTS.md"),
		"See @rules/general.md and @docs/style.md for details.\nInline a@b.md is not a reference.\n")

	l := newTestLoader(t, dir)
	content := l.Load()

	if !strings.Contains(content, "### External Reference Files") {
		t.Errorf("missing references section in %q", content)
	}
	refs := l.ExternalReferences()
	want := []string{"docs/style.md", "rules/general.md"}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("expected refs %v, got %v", want, refs)
	}
}

func TestLoadCachedUntilReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "AGENTS.md")
	writeFile(t, path, "first version")

	l := newTestLoader(t, dir)
	first := l.Load()
	if !strings.Contains(first, "first version") {
		t.Fatalf("unexpected content %q", first)
	}

	writeFile(t, path, "second version")
	if got := l.Load(); !strings.Contains(got, "first version") {
		t.Errorf("expected cached content, got %q", got)
	}

	if got := l.Reload(); !strings.Contains(got, "second version") {
		t.Errorf("expected reloaded content, got %q", got)
	}
}

func TestParseExternalReferences(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"single", "@rules/a.md", []string{"rules/a.md"}},
		{"after whitespace", "see @b.md here", []string{"b.md"}},
		{"non md ignored", "@script.sh", nil},
		{"none", "no references", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseExternalReferences(tt.content)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseExternalReferences() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSummary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "AGENTS.md"), "rules @extra/ref.md")

	l := newTestLoader(t, dir)
	summary := l.Summary()
	if !summary.HasRules {
		t.Error("expected rules to be present")
	}
	if summary.FileCount != 1 {
		t.Errorf("expected 1 file, got %d", summary.FileCount)
	}
	if len(summary.ExternalReferences) != 1 || summary.ExternalReferences[0] != "extra/ref.md" {
		t.Errorf("unexpected references %v", summary.ExternalReferences)
	}
}
