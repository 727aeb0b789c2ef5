// Package catalog resolves model metadata, primarily context window sizes.
// Lookups consult an optional on-disk model database cache first, then a
// built-in table, then pattern heuristics, and finally a conservative
// default.
package catalog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultContextWindow is used for models the catalog does not know.
const DefaultContextWindow = 32_000

// DefaultOutputLimit is the assumed max completion size when unknown.
const DefaultOutputLimit = 8192

// cacheTTL bounds how old the on-disk database may be before it is ignored.
const cacheTTL = 7 * 24 * time.Hour

// builtinWindows maps exact model names to context window sizes. Partial
// matches fall back to the heuristics in heuristicWindow.
var builtinWindows = map[string]int{
	"gpt-5.1-codex":     400_000,
	"gpt-5.2":           400_000,
	"claude-4.5-sonnet": 200_000,
	"claude-4.5-opus":   200_000,
	"gemini-3-pro":      1_048_576,
	"glm-4.6":           204_800,
	"glm-4.7":           204_800,
	"minimax-m2.1":      204_800,
}

// ModelInfo describes one model from the cached database.
type ModelInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ProviderID    string  `json:"provider_id"`
	ContextWindow int     `json:"context_window"`
	OutputLimit   int     `json:"output_limit"`
	ToolCall      bool    `json:"tool_call"`
	Reasoning     bool    `json:"reasoning"`
	CostInput     float64 `json:"cost_input"`
	CostOutput    float64 `json:"cost_output"`
}

// ProviderInfo groups the models of one upstream provider.
type ProviderInfo struct {
	ID     string               `json:"id"`
	Name   string               `json:"name"`
	APIURL string               `json:"api_url"`
	Models map[string]ModelInfo `json:"models"`
}

// database is the cached model listing persisted as models.json.
type database struct {
	Providers map[string]ProviderInfo `json:"providers"`
	FetchedAt time.Time               `json:"fetched_at"`
}

// Catalog answers model metadata queries.
type Catalog struct {
	mu     sync.RWMutex
	db     *database
	logger *slog.Logger
}

// New builds a catalog without an on-disk database.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{logger: logger}
}

// DefaultCachePath returns the conventional location of the model database
// cache under the user config directory.
func DefaultCachePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "amcp", "cache", "models.json")
}

// LoadCache reads the model database from path if present and fresh. A
// missing, malformed, or expired cache is ignored.
func (c *Catalog) LoadCache(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var db database
	if err := json.Unmarshal(data, &db); err != nil {
		c.logger.Debug("model cache unreadable", "path", path, "error", err)
		return
	}
	if !db.FetchedAt.IsZero() && time.Since(db.FetchedAt) > cacheTTL {
		c.logger.Debug("model cache expired", "path", path, "fetched_at", db.FetchedAt)
		return
	}
	c.mu.Lock()
	c.db = &db
	c.mu.Unlock()
	c.logger.Debug("model cache loaded", "path", path, "providers", len(db.Providers))
}

// SaveCache writes the current database to path.
func (c *Catalog) SaveCache(path string) error {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Lookup finds a model in the cached database by id or name, searching the
// named provider first when given.
func (c *Catalog) Lookup(model, providerID string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return ModelInfo{}, false
	}

	if providerID != "" {
		if p, ok := c.db.Providers[providerID]; ok {
			if m, ok := p.Models[model]; ok {
				return m, true
			}
		}
	}

	lower := strings.ToLower(model)
	for _, p := range c.db.Providers {
		for _, m := range p.Models {
			if m.ID == model || strings.ToLower(m.ID) == lower || strings.ToLower(m.Name) == lower {
				return m, true
			}
		}
	}
	for _, p := range c.db.Providers {
		for _, m := range p.Models {
			if strings.Contains(strings.ToLower(m.ID), lower) || strings.Contains(strings.ToLower(m.Name), lower) {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

// ContextWindow resolves the context window for a model in tokens.
func (c *Catalog) ContextWindow(model, providerID string) int {
	if m, ok := c.Lookup(model, providerID); ok && m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return StaticContextWindow(model)
}

// StaticContextWindow resolves a context window without the database: exact
// built-in table, then longest-prefix partial match, then heuristics.
func StaticContextWindow(model string) int {
	if w, ok := builtinWindows[model]; ok {
		return w
	}

	lower := strings.ToLower(model)
	known := make([]string, 0, len(builtinWindows))
	for k := range builtinWindows {
		known = append(known, k)
	}
	// Longest names first so "glm-4.7" beats "glm-4".
	sort.Slice(known, func(i, j int) bool { return len(known[i]) > len(known[j]) })
	for _, k := range known {
		if strings.Contains(lower, k) || strings.HasPrefix(lower, k) {
			return builtinWindows[k]
		}
	}

	if w, ok := heuristicWindow(lower); ok {
		return w
	}
	return DefaultContextWindow
}

func heuristicWindow(lower string) (int, bool) {
	switch {
	case strings.Contains(lower, "gpt-4"):
		if strings.Contains(lower, "turbo") || strings.Contains(lower, "4o") {
			return 128_000, true
		}
		if strings.Contains(lower, "32k") {
			return 32_768, true
		}
		return 8_192, true
	case strings.Contains(lower, "claude"):
		return 200_000, true
	case strings.Contains(lower, "gemini"):
		return 1_048_576, true
	case strings.Contains(lower, "deepseek"):
		return 65_536, true
	case strings.Contains(lower, "qwen"), strings.Contains(lower, "glm"):
		return 131_072, true
	case strings.Contains(lower, "mistral"), strings.Contains(lower, "mixtral"):
		return 32_768, true
	case strings.Contains(lower, "llama"):
		return 131_072, true
	}
	return 0, false
}
