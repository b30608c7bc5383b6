package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompStore    = "store"
	CompRecord   = "record"
	CompDialogue = "dialogue"
	CompSearch   = "search"
	CompConfig   = "config"
	CompCLI      = "cli"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.mealtrace)
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 14)
	MaxAgeDays int

	// Compress rotated files (default: true)
	Compress bool
}

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex
	lumberjackW  *lumberjack.Logger
)

// Init initializes the global logging system. When no log dir is
// provided, logs are discarded.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 14
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogDir == "" {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}

	lumberjackW = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "mealtrace.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(lumberjackW, opts)
	} else {
		handler = slog.NewJSONHandler(lumberjackW, opts)
	}
	globalLogger = slog.New(handler)
}

// Logger returns the global logger. Safe to call before Init (returns a
// discard logger).
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set.
// Uses a dynamicHandler so that loggers created before Init() (e.g., as
// package-level vars) pick up the real handler once Init() runs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

// dynamicHandler delegates to the current global handler at log time, so
// package-level component loggers are not frozen onto the discard handler
// they observed before Init().
type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &dynamicHandler{component: h.component, attrs: newAttrs, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

// Shutdown closes the rotating log writer.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if lumberjackW != nil {
		lumberjackW.Close()
		lumberjackW = nil
	}
	globalLogger = nil
}
