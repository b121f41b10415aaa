package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level names accepted in configuration and written in records.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

var slogLevels = map[string]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
}

// LogFileName is the file created inside the log directory.
const LogFileName = "ragents.log"

// Logger writes JSON records tagged with the run, node and role they
// belong to. Children share the parent's sink.
type Logger struct {
	logger *slog.Logger
	sink   *RotatingWriter
	mu     *sync.Mutex // guards sink
}

// NewLogger creates a Logger that writes JSON-formatted logs to
// {logDir}/ragents.log without rotation. If logDir is empty, logs are
// written to stderr.
//
// Unrecognised levels default to INFO.
func NewLogger(logDir string, level string) (*Logger, error) {
	return NewRotatingLogger(logDir, level, RotationConfig{})
}

// NewRotatingLogger is NewLogger with size-based rotation of the log file.
func NewRotatingLogger(logDir string, level string, rotation RotationConfig) (*Logger, error) {
	if logDir == "" {
		return NewWriterLogger(os.Stderr, level), nil
	}

	rw, err := NewRotatingWriter(filepath.Join(logDir, LogFileName), rotation)
	if err != nil {
		return nil, err
	}

	l := NewWriterLogger(rw, level)
	l.sink = rw
	return l, nil
}

// NewWriterLogger creates a Logger writing JSON records to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	opts := &slog.HandlerOptions{Level: slogLevels[ParseLevel(level)]}
	return &Logger{logger: slog.New(slog.NewJSONHandler(w, opts)), mu: &sync.Mutex{}}
}

// WithRun returns a child Logger tagging every entry with the run ID.
func (l *Logger) WithRun(runID string) *Logger {
	return l.withAttr(slog.String("run_id", runID))
}

// WithNode returns a child Logger tagging every entry with the graph node.
func (l *Logger) WithNode(node string) *Logger {
	return l.withAttr(slog.String("node", node))
}

// WithRole returns a child Logger tagging every entry with the agent role.
func (l *Logger) WithRole(role string) *Logger {
	return l.withAttr(slog.String("role", role))
}

// With returns a child Logger carrying the given key-value pairs. Pairs
// whose key is not a string are dropped.
func (l *Logger) With(args ...any) *Logger {
	kv := make([]any, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		if _, ok := args[i].(string); ok {
			kv = append(kv, args[i], args[i+1])
		}
	}
	if len(kv) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(kv...), sink: l.sink, mu: l.mu}
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	return &Logger{logger: l.logger.With(attr), sink: l.sink, mu: l.mu}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Close closes the log file, if the Logger owns one.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink = nil
	return err
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewWriterLogger(io.Discard, LevelError)
}

// ParseLevel normalizes a configured level name, falling back to INFO.
func ParseLevel(level string) string {
	level = strings.ToUpper(level)
	if _, ok := slogLevels[level]; ok {
		return level
	}
	return LevelInfo
}

// ValidLevels lists the level names from most to least verbose.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
