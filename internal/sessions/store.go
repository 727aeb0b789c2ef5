// Package sessions owns conversation scopes: the in-memory history
// store with optional JSONL persistence, the session manager that runs
// prompts through the agent loop, and the idle-expiry sweeper.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/amcp-io/amcp/pkg/models"
)

// History is one session's conversation storage. It satisfies the agent
// loop's history contract; the loop is its only writer while a prompt
// is active.
type History struct {
	mu   sync.RWMutex
	msgs []models.Message

	// onAppend and onReplace mirror mutations to disk when persistence
	// is enabled. Both are advisory: failures are logged, never fatal.
	onAppend  func(models.Message)
	onReplace func([]models.Message)
}

// Messages returns a copy of the history.
func (h *History) Messages() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Message(nil), h.msgs...)
}

// Append adds a message to the history.
func (h *History) Append(msg models.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	onAppend := h.onAppend
	h.mu.Unlock()
	if onAppend != nil {
		onAppend(msg)
	}
}

// Replace swaps the entire history, as compaction does.
func (h *History) Replace(msgs []models.Message) {
	h.mu.Lock()
	h.msgs = append([]models.Message(nil), msgs...)
	onReplace := h.onReplace
	snapshot := append([]models.Message(nil), h.msgs...)
	h.mu.Unlock()
	if onReplace != nil {
		onReplace(snapshot)
	}
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// clear drops all messages.
func (h *History) clear() {
	h.mu.Lock()
	h.msgs = nil
	onReplace := h.onReplace
	h.mu.Unlock()
	if onReplace != nil {
		onReplace(nil)
	}
}

// Store holds per-session histories. When Dir is set, each history is
// mirrored to an append-only JSONL file (<dir>/<id>.jsonl, one message
// per line). The file is advisory; the in-memory copy is authoritative.
type Store struct {
	dir     string
	persist bool
	logger  *slog.Logger

	mu        sync.Mutex
	histories map[string]*History
	fileMu    map[string]*sync.Mutex
}

// NewStore creates a store. dir may be empty when persist is false.
func NewStore(dir string, persist bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		persist:   persist && dir != "",
		logger:    logger.With("component", "sessions"),
		histories: make(map[string]*History),
		fileMu:    make(map[string]*sync.Mutex),
	}
}

// History returns (creating if needed) the history for a session.
func (s *Store) History(sessionID string) *History {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[sessionID]
	if ok {
		return h
	}
	h = &History{}
	if s.persist {
		h.onAppend = func(msg models.Message) { s.appendLine(sessionID, msg) }
		h.onReplace = func(msgs []models.Message) { s.rewriteFile(sessionID, msgs) }
	}
	s.histories[sessionID] = h
	return h
}

// Messages returns up to limit messages from the end of the history.
// limit <= 0 returns everything.
func (s *Store) Messages(sessionID string, limit int) []models.Message {
	msgs := s.History(sessionID).Messages()
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// Clear empties a session's history and its file.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	h, ok := s.histories[sessionID]
	s.mu.Unlock()
	if ok {
		h.clear()
	}
}

// Remove drops all state for a deleted session, including the file.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.histories, sessionID)
	delete(s.fileMu, sessionID)
	s.mu.Unlock()

	if s.persist {
		if err := os.Remove(s.filePath(sessionID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove session file", "session_id", sessionID, "error", err)
		}
	}
}

// Load reads a persisted history from disk into memory. Missing files
// are not an error. Corrupt lines are skipped.
func (s *Store) Load(sessionID string) error {
	if !s.persist {
		return nil
	}

	f, err := os.Open(s.filePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var msgs []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("skipping corrupt history line", "session_id", sessionID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan session file: %w", err)
	}

	h := s.History(sessionID)
	h.mu.Lock()
	h.msgs = msgs
	h.mu.Unlock()
	return nil
}

func (s *Store) filePath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *Store) fileLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.fileMu[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		s.fileMu[sessionID] = mu
	}
	return mu
}

func (s *Store) appendLine(sessionID string, msg models.Message) {
	mu := s.fileLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn("failed to create sessions dir", "error", err)
		return
	}
	f, err := os.OpenFile(s.filePath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("failed to open session file", "session_id", sessionID, "error", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal message", "session_id", sessionID, "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Warn("failed to write session file", "session_id", sessionID, "error", err)
	}
}

func (s *Store) rewriteFile(sessionID string, msgs []models.Message) {
	mu := s.fileLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn("failed to create sessions dir", "error", err)
		return
	}

	path := s.filePath(sessionID)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		s.logger.Warn("failed to rewrite session file", "session_id", sessionID, "error", err)
		return
	}
	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		s.logger.Warn("failed to flush session file", "session_id", sessionID, "error", err)
		return
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		s.logger.Warn("failed to replace session file", "session_id", sessionID, "error", err)
	}
}
