package sessions

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amcp-io/amcp/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHistoryAppendAndReplace(t *testing.T) {
	h := &History{}
	h.Append(models.Message{Role: models.RoleUser, Content: "hi"})
	h.Append(models.Message{Role: models.RoleAssistant, Content: "hello"})

	if h.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", h.Len())
	}

	msgs := h.Messages()
	msgs[0].Content = "mutated"
	if h.Messages()[0].Content != "hi" {
		t.Error("Messages must return a copy")
	}

	h.Replace([]models.Message{{Role: models.RoleSystem, Content: "summary"}})
	if h.Len() != 1 || h.Messages()[0].Content != "summary" {
		t.Errorf("unexpected history after Replace: %+v", h.Messages())
	}
}

func TestStorePersistsAppends(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, true, quietLogger())

	h := s.History("session-abc")
	h.Append(models.Message{Role: models.RoleUser, Content: "first"})
	h.Append(models.Message{Role: models.RoleAssistant, Content: "second"})

	data, err := os.ReadFile(filepath.Join(dir, "session-abc.jsonl"))
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"first"`) || !strings.Contains(lines[1], `"second"`) {
		t.Errorf("unexpected file content %q", string(data))
	}
}

func TestStoreRewriteOnReplace(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, true, quietLogger())

	h := s.History("session-abc")
	h.Append(models.Message{Role: models.RoleUser, Content: "one"})
	h.Append(models.Message{Role: models.RoleUser, Content: "two"})
	h.Replace([]models.Message{{Role: models.RoleSystem, Content: "compacted"}})

	data, err := os.ReadFile(filepath.Join(dir, "session-abc.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "compacted") {
		t.Errorf("expected single compacted line, got %q", string(data))
	}
}

func TestStoreLoad(t *testing.T) {
	dir := t.TempDir()
	content := `{"role":"user","content":"restored"}` + "\n" +
		"not json\n" +
		`{"role":"assistant","content":"answer"}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "session-xyz.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(dir, true, quietLogger())
	if err := s.Load("session-xyz"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	msgs := s.Messages("session-xyz", 0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (corrupt line skipped), got %d", len(msgs))
	}
	if msgs[0].Content != "restored" || msgs[1].Content != "answer" {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	s := NewStore(t.TempDir(), true, quietLogger())
	if err := s.Load("session-missing"); err != nil {
		t.Errorf("missing file should not error, got %v", err)
	}
}

func TestStoreMessagesLimit(t *testing.T) {
	s := NewStore("", false, quietLogger())
	h := s.History("s")
	for _, c := range []string{"a", "b", "c", "d"} {
		h.Append(models.Message{Role: models.RoleUser, Content: c})
	}

	msgs := s.Messages("s", 2)
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "d" {
		t.Errorf("expected last 2 messages, got %+v", msgs)
	}
	if len(s.Messages("s", 0)) != 4 {
		t.Error("limit 0 should return everything")
	}
}

func TestStoreRemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, true, quietLogger())
	s.History("session-del").Append(models.Message{Role: models.RoleUser, Content: "x"})

	path := filepath.Join(dir, "session-del.jsonl")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	s.Remove("session-del")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file removed, stat err %v", err)
	}
	if s.History("session-del").Len() != 0 {
		t.Error("expected fresh history after remove")
	}
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, true, quietLogger())
	s.History("s").Append(models.Message{Role: models.RoleUser, Content: "x"})

	s.Clear("s")
	if s.History("s").Len() != 0 {
		t.Error("expected empty history")
	}
	data, err := os.ReadFile(filepath.Join(dir, "s.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(data)) != "" {
		t.Errorf("expected truncated file, got %q", string(data))
	}
}
