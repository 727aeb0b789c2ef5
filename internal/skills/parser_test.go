package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseSkill(t *testing.T) {
	data := []byte(`---
name: code-review
description: Structured code review guidance
---

## Process

Review the diff hunk by hunk.
`)

	skill, err := ParseSkill(data)
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if skill.Name != "code-review" {
		t.Errorf("expected name code-review, got %q", skill.Name)
	}
	if skill.Description != "Structured code review guidance" {
		t.Errorf("unexpected description %q", skill.Description)
	}
	if !strings.HasPrefix(skill.Body, "## Process") {
		t.Errorf("body not trimmed: %q", skill.Body)
	}
	if strings.HasSuffix(skill.Body, "\n") {
		t.Errorf("body not trimmed at end: %q", skill.Body)
	}
}

func TestParseSkillMissingDescription(t *testing.T) {
	skill, err := ParseSkill([]byte("---\nname: terse\n---\nbody"))
	if err != nil {
		t.Fatalf("ParseSkill: %v", err)
	}
	if skill.Description != "" {
		t.Errorf("expected empty description, got %q", skill.Description)
	}
}

func TestParseSkillErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"empty file", "", "empty file"},
		{"no front matter", "just markdown\n", "missing opening front matter delimiter"},
		{"unclosed front matter", "---\nname: x\n", "missing closing front matter delimiter"},
		{"missing name", "---\ndescription: d\n---\nbody", "name is required"},
		{"invalid yaml", "---\nname: [\n---\nbody", "parse front matter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSkill([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseSkillFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SkillFilename)
	content := "---\nname: docs\ndescription: Writing docs\n---\nUse active voice.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	skill, err := ParseSkillFile(path)
	if err != nil {
		t.Fatalf("ParseSkillFile: %v", err)
	}
	if skill.Location != path {
		t.Errorf("expected location %q, got %q", path, skill.Location)
	}
	if skill.Body != "Use active voice." {
		t.Errorf("unexpected body %q", skill.Body)
	}
}

func TestParseSkillFileMissing(t *testing.T) {
	_, err := ParseSkillFile(filepath.Join(t.TempDir(), "nope", SkillFilename))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
