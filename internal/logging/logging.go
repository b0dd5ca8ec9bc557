// Package logging provides structured logging with slog.
//
// Features:
//   - JSON and text output formats
//   - Runtime-adjustable level (config reloads call SetLevel)
//   - Request IDs carried through context
//   - Sensitive attribute redaction
//   - Size-based file rotation with gzip compression
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// FilePath is the log file when Output includes a file.
	FilePath string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int64

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	AddSource bool
	Component string

	// Writer overrides Output when set. Used by tests.
	Writer io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   filepath.Join(os.TempDir(), "solprism", "solprismd.log"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		Compress:   true,
		Component:  "solprism",
	}
}

// Logger wraps slog.Logger with a shared level and rotating file output.
type Logger struct {
	*slog.Logger
	level   *slog.LevelVar
	rotator *FileRotator
	mu      *sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Default returns the process-wide logger, creating a stderr logger on
// first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), level: new(slog.LevelVar), mu: new(sync.Mutex)}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and as slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{level: new(slog.LevelVar), mu: new(sync.Mutex)}
	l.level.Set(cfg.Level)

	w, err := l.writer(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) writer(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		r, err := NewFileRotator(cfg.FilePath, cfg.MaxSizeMB*1024*1024, cfg.MaxBackups, cfg.Compress)
		if err != nil {
			return nil, err
		}
		l.rotator = r
		if strings.EqualFold(cfg.Output, "both") {
			return io.MultiWriter(os.Stderr, r), nil
		}
		return r, nil
	default:
		return os.Stderr, nil
	}
}

// sensitive attribute key fragments. Public keys and addresses are not
// secret, so "key" alone is matched only as a suffix of private_key etc.
var sensitiveKeys = []string{
	"password", "secret", "token", "private", "seed",
	"credential", "api_key", "apikey", "bearer", "cookie",
}

func shouldRedact(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// SetLevel changes the level of l and of every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{Logger: s, level: l.level, rotator: l.rotator, mu: l.mu}
}

// WithRequestID returns a logger tagged with id.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("request_id", id)))
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger tagged with the request ID in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

type contextKey int

const requestIDKey contextKey = iota

// NewRequestID returns a random request ID.
func NewRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID returns a context carrying requestID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}
