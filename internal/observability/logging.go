package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is a type for context keys used by the logger.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"
	// SessionIDKey is the context key for session IDs.
	SessionIDKey ContextKey = "session_id"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Format is the output format: json or text.
	Format string `yaml:"format" json:"format"`
	// Output is the destination: stdout, stderr, or a file path.
	Output string `yaml:"output" json:"output"`
	// AddSource includes source file and line in records.
	AddSource bool `yaml:"add_source" json:"add_source"`
	// RedactPatterns are regular expressions whose matches are masked.
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

// DefaultLogConfig returns a sensible default configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// DefaultRedactPatterns mask common credential shapes. They are always
// applied in addition to any user-configured patterns.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)["\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(secret|password|passwd|token)["\s:=]+["']?([^\s"']{8,})["']?`,
	`(?i)bearer\s+([a-zA-Z0-9_\-.~+/]+=*)`,
	`sk-ant-[a-zA-Z0-9_\-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`,
	`(?i)(aws_access_key_id|aws_secret_access_key)["\s:=]+["']?([a-zA-Z0-9/+=]{16,})["']?`,
}

// sensitiveKeys are attribute names whose values are always masked
// regardless of shape.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
}

// Logger wraps slog.Logger with secret redaction.
type Logger struct {
	*slog.Logger
	redacts []*regexp.Regexp
}

// NewLogger builds a Logger from config. Invalid patterns are skipped.
func NewLogger(cfg LogConfig) (*Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		out = f
	}

	level := parseLevel(cfg.Level)

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(cfg.RedactPatterns))
	for _, p := range append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		redacts = append(redacts, re)
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{
		Logger:  slog.New(handler),
		redacts: redacts,
	}, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redact masks secret-shaped substrings in s.
func (l *Logger) Redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// redactValue masks a single attribute value, honoring key-based masking.
func (l *Logger) redactValue(key string, value any) any {
	if sensitiveKeys[strings.ToLower(key)] {
		return "[REDACTED]"
	}
	switch v := value.(type) {
	case string:
		return l.Redact(v)
	case map[string]any:
		return l.redactMap(v)
	default:
		return value
	}
}

// redactMap masks secrets in a nested map.
func (l *Logger) redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = l.redactValue(k, v)
	}
	return out
}

// With returns a Logger with the given attributes, redacting string values.
func (l *Logger) With(args ...any) *Logger {
	redacted := make([]any, len(args))
	for i, a := range args {
		if i%2 == 1 {
			if key, ok := args[i-1].(string); ok {
				redacted[i] = l.redactValue(key, a)
				continue
			}
		}
		redacted[i] = a
	}
	return &Logger{
		Logger:  l.Logger.With(redacted...),
		redacts: l.redacts,
	}
}

// WithContext returns a Logger annotated with request and session IDs from
// ctx, grouped under "context".
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if rid, ok := ctx.Value(RequestIDKey).(string); ok && rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if sid, ok := ctx.Value(SessionIDKey).(string); ok && sid != "" {
		attrs = append(attrs, slog.String("session_id", sid))
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{
		Logger:  l.Logger.With(slog.Group("context", attrs...)),
		redacts: l.redacts,
	}
}

// LogSecret logs msg with value masked. Useful for confirming configuration
// without leaking it.
func (l *Logger) LogSecret(level slog.Level, msg, key, value string) {
	masked := "[EMPTY]"
	if len(value) > 8 {
		masked = value[:4] + "..." + value[len(value)-4:]
	} else if value != "" {
		masked = "[SET]"
	}
	l.Log(context.Background(), level, msg, slog.String(key, masked))
}
