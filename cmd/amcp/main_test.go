package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "version", "tools", "agents", "skills", "config", "patch"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestToolsCommandListsBuiltins(t *testing.T) {
	cmd := buildToolsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("tools command failed: %v", err)
	}

	listing := out.String()
	for _, name := range []string{"read_file", "grep", "bash", "write_file", "edit_file"} {
		if !strings.Contains(listing, name) {
			t.Errorf("expected %q in tool listing, got:\n%s", name, listing)
		}
	}
}

func TestPatchApplyCreatesFile(t *testing.T) {
	dir := t.TempDir()
	envelope := "*** Begin Patch\n*** Add File: hello.txt\n+hello\n*** End Patch\n"
	patchPath := filepath.Join(dir, "change.patch")
	if err := os.WriteFile(patchPath, []byte(envelope), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := buildPatchApplyCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Flags().Set("dir", dir); err != nil {
		t.Fatal(err)
	}

	if err := cmd.RunE(cmd, []string{patchPath}); err != nil {
		t.Fatalf("patch apply failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("expected file to be created: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", string(data))
	}
	if !strings.Contains(out.String(), "created") {
		t.Errorf("expected created outcome, got %q", out.String())
	}
}
