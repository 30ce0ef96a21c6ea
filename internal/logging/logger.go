// Package logging configures the process-wide slog logger and hands out
// per-component loggers that follow later reconfiguration.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names used across the daemon.
const (
	CompEngine   = "engine"
	CompDispatch = "dispatch"
	CompStorage  = "storage"
	CompRegistry = "registry"
	CompAPI      = "api"
	CompMCP      = "mcp"
	CompApps     = "apps"
	CompDocs     = "docs"
	CompLaunch   = "launch"
)

// Config holds logging configuration.
type Config struct {
	// Dir is the directory for the rotated log file. Empty logs to Output.
	Dir string

	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "text" (default) or "json".
	Format string

	// MaxSizeMB is the size in MB before rotation (default: 10).
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep (default: 5).
	MaxBackups int

	// MaxAgeDays is the number of days to keep rotated files (default: 10).
	MaxAgeDays int

	Compress bool

	// Output is used when Dir is empty. Defaults to stderr.
	Output io.Writer
}

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex
	lumberjackW  *lumberjack.Logger
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Init (re)configures the global logger and installs it as slog's default.
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
		cfg.MaxAgeDays = 10
	}

	if lumberjackW != nil {
		lumberjackW.Close()
		lumberjackW = nil
	}

	var w io.Writer
	switch {
	case cfg.Dir != "":
		lumberjackW = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "hotbox.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lumberjackW
	case cfg.Output != nil:
		w = cfg.Output
	default:
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// ForComponent returns a logger tagged with component=name. It resolves the
// global handler at log time, so package-level loggers created before Init
// still write through the configured handler.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
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

// Shutdown closes the rotated log file, if any.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if lumberjackW != nil {
		lumberjackW.Close()
		lumberjackW = nil
	}
	globalLogger = nil
}
