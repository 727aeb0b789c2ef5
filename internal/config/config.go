// Package config loads the merged runtime configuration. Files may be
// YAML, JSON5, JSON, or TOML, can pull in other files with $include, and
// have ${ENV_VAR} references expanded before parsing. A project-level
// .amcp/config file deep-merges over the user-level one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	LLM         LLMConfig         `yaml:"llm"`
	Agent       AgentConfig       `yaml:"agent"`
	Tools       ToolsConfig       `yaml:"tools"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Hooks       HooksConfig       `yaml:"hooks"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	MCP         MCPConfig         `yaml:"mcp"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Skills      SkillsConfig      `yaml:"skills"`
	Commands    CommandsConfig    `yaml:"commands"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	DrainGrace    time.Duration `yaml:"drain_grace"`
	MaxSessions   int           `yaml:"max_sessions"`
	EnableCORS    bool          `yaml:"enable_cors"`
	AllowedOrigin string        `yaml:"allowed_origin"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxRetries   int    `yaml:"max_retries"`
}

type AgentConfig struct {
	DefaultAgent string `yaml:"default_agent"`
	SpecsDir     string `yaml:"specs_dir"`
	MaxSteps     int    `yaml:"max_steps"`
}

type ToolsConfig struct {
	BashTimeout    time.Duration `yaml:"bash_timeout"`
	BashMaxTimeout time.Duration `yaml:"bash_max_timeout"`
	ReadMaxLines   int           `yaml:"read_max_lines"`
	WriteEnabled   *bool         `yaml:"write_enabled"`
	EditEnabled    *bool         `yaml:"edit_enabled"`
	Workspace      string        `yaml:"workspace"`
}

// PermissionsConfig carries the permission mode and the raw rule table.
// Rule values are either an action string or a pattern->action map; the
// permission engine owns the parse.
type PermissionsConfig struct {
	Mode  string         `yaml:"mode"`
	Rules map[string]any `yaml:"rules"`
}

type HooksConfig struct {
	Paths   []string      `yaml:"paths"`
	Timeout time.Duration `yaml:"timeout"`
}

type CompactionConfig struct {
	Strategy       string  `yaml:"strategy"`
	ThresholdRatio float64 `yaml:"threshold_ratio"`
	TargetRatio    float64 `yaml:"target_ratio"`
	PreserveLast   int     `yaml:"preserve_last"`
	MaxToolResults int     `yaml:"max_tool_results"`
	MinTokens      int     `yaml:"min_tokens"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Enabled *bool             `yaml:"enabled"`
}

type SessionsConfig struct {
	Max        int           `yaml:"max"`
	IdleExpiry time.Duration `yaml:"idle_expiry"`
	HistoryDir string        `yaml:"history_dir"`
	Persist    bool          `yaml:"persist"`
}

type SkillsConfig struct {
	Dirs     []string `yaml:"dirs"`
	Disabled []string `yaml:"disabled"`
}

type CommandsConfig struct {
	Dirs     []string `yaml:"dirs"`
	Disabled []string `yaml:"disabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads one configuration file, resolving includes and env references.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// configExtensions in lookup order.
var configExtensions = []string{".yaml", ".yml", ".json", ".json5", ".toml"}

// UserConfigDir returns the per-user amcp configuration directory,
// honoring $XDG_CONFIG_HOME with a ~/.config fallback.
func UserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amcp")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "amcp")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "amcp")
}

// Discover resolves the user-level config path: the explicit flag, then
// $AMCP_CONFIG, then <user-config>/amcp/config.<ext>. Empty when none exist.
func Discover(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("AMCP_CONFIG"); env != "" {
		return env
	}
	base := filepath.Join(UserConfigDir(), "config")
	for _, ext := range configExtensions {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return ""
}

// projectConfigPath finds <projectDir>/.amcp/config.<ext> if present.
func projectConfigPath(projectDir string) string {
	base := filepath.Join(projectDir, ".amcp", "config")
	for _, ext := range configExtensions {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return ""
}

// LoadMerged loads the user-level config selected by Discover and overlays
// the project-level .amcp config on top. With no files present it returns
// the defaults.
func LoadMerged(flagPath, projectDir string) (*Config, error) {
	merged := map[string]any{}

	if userPath := Discover(flagPath); userPath != "" {
		raw, err := LoadRaw(userPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", userPath, err)
		}
		merged = mergeMaps(merged, raw)
	} else if flagPath != "" {
		return nil, fmt.Errorf("config file not found: %s", flagPath)
	}

	if projectDir != "" {
		if projPath := projectConfigPath(projectDir); projPath != "" {
			raw, err := LoadRaw(projPath)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", projPath, err)
			}
			merged = mergeMaps(merged, raw)
		}
	}

	cfg, err := decodeRawConfig(merged)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8199
	}
	if cfg.Server.DrainGrace == 0 {
		cfg.Server.DrainGrace = 10 * time.Second
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 100
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-4.5-sonnet"
	}
	if cfg.Agent.DefaultAgent == "" {
		cfg.Agent.DefaultAgent = "coder"
	}
	if cfg.Agent.MaxSteps == 0 {
		cfg.Agent.MaxSteps = 300
	}
	if cfg.Tools.BashTimeout == 0 {
		cfg.Tools.BashTimeout = 30 * time.Second
	}
	if cfg.Tools.BashMaxTimeout == 0 {
		cfg.Tools.BashMaxTimeout = 600 * time.Second
	}
	if cfg.Tools.ReadMaxLines == 0 {
		cfg.Tools.ReadMaxLines = 400
	}
	if cfg.Permissions.Mode == "" {
		cfg.Permissions.Mode = "normal"
	}
	if cfg.Hooks.Timeout == 0 {
		cfg.Hooks.Timeout = 30 * time.Second
	}
	if cfg.Compaction.Strategy == "" {
		cfg.Compaction.Strategy = "summary"
	}
	if cfg.Compaction.ThresholdRatio == 0 {
		cfg.Compaction.ThresholdRatio = 0.7
	}
	if cfg.Compaction.TargetRatio == 0 {
		cfg.Compaction.TargetRatio = 0.3
	}
	if cfg.Compaction.PreserveLast == 0 {
		cfg.Compaction.PreserveLast = 6
	}
	if cfg.Compaction.MaxToolResults == 0 {
		cfg.Compaction.MaxToolResults = 10
	}
	if cfg.Compaction.MinTokens == 0 {
		cfg.Compaction.MinTokens = 5000
	}
	if cfg.Sessions.Max == 0 {
		cfg.Sessions.Max = 100
	}
	if cfg.Sessions.IdleExpiry == 0 {
		cfg.Sessions.IdleExpiry = 24 * time.Hour
	}
	if cfg.Sessions.HistoryDir == "" {
		cfg.Sessions.HistoryDir = filepath.Join(UserConfigDir(), "sessions")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.Service == "" {
		cfg.Tracing.Service = "amcp"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}
