package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProcessTemplateArgs(t *testing.T) {
	tests := []struct {
		name     string
		template string
		args     string
		want     string
	}{
		{"substitution", "Review {{args}} now", "main.go", "Review main.go now"},
		{"multiple placeholders", "{{args}} and {{args}}", "x", "x and x"},
		{"append when no placeholder", "Do the thing", "extra detail", "Do the thing\n\n/cmd extra detail"},
		{"no append for empty args", "Do the thing", "", "Do the thing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &Context{
				RawInput:    strings.TrimSpace("/cmd " + tt.args),
				CommandName: "cmd",
				Args:        tt.args,
			}
			if got := processTemplate(tt.template, ctx); got != tt.want {
				t.Errorf("processTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileInjection(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("remember this"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := &Context{WorkDir: dir}

	got := processTemplate("Context: @{notes.md}", ctx)
	if got != "Context: remember this" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestFileInjectionDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.go", filepath.Join("pkg", "b.go")} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ctx := &Context{WorkDir: dir}

	got := processTemplate("Files:\n@{.}", ctx)
	if !strings.Contains(got, "a.go") {
		t.Errorf("missing a.go in %q", got)
	}
	if !strings.Contains(got, filepath.Join("pkg", "b.go")) {
		t.Errorf("missing pkg/b.go in %q", got)
	}
}

func TestFileInjectionMissing(t *testing.T) {
	ctx := &Context{WorkDir: t.TempDir()}
	got := processTemplate("@{nope.txt}", ctx)
	if got != "[File not found: nope.txt]" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestShellInjection(t *testing.T) {
	ctx := &Context{WorkDir: t.TempDir()}

	got := processTemplate("Output: !{echo hello}", ctx)
	if got != "Output: hello" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestShellInjectionExitCode(t *testing.T) {
	ctx := &Context{WorkDir: t.TempDir()}
	got := processTemplate("!{exit 3}", ctx)
	if !strings.Contains(got, "[Shell command exited with code 3]") {
		t.Errorf("unexpected result %q", got)
	}
}

func TestShellInjectionEscapesArgs(t *testing.T) {
	// The args contain shell metacharacters; escaping must pass them
	// through as one literal argument.
	ctx := &Context{WorkDir: t.TempDir(), Args: "two words; echo pwned"}
	got := processTemplate("!{printf '%s' {{args}}}", ctx)
	if got != "two words; echo pwned" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestShellEscape(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "''"},
		{"plain", "abc", "'abc'"},
		{"with space", "a b", "'a b'"},
		{"with quote", "it's", `'it'"'"'s'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shellEscape(tt.input); got != tt.want {
				t.Errorf("shellEscape(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
