// Package logging wires log/slog to the service's structured file logs.
// Every record lands in combined.log; errors additionally land in error.log;
// the HTTP surface, the scraping core, recovered panics and failed background
// tasks each get their own file. Files are newline-delimited JSON rotated by
// size.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wmhub/wmscraper/internal/config"
)

// File names under the log directory. The admin API's file-log endpoint
// serves exactly these.
const (
	FileError      = "error.log"
	FileCombined   = "combined.log"
	FileHTTP       = "http.log"
	FileScraping   = "scraping.log"
	FileExceptions = "exceptions.log"
	FileRejections = "rejections.log"
)

// Logs bundles the service's loggers and owns the underlying files.
type Logs struct {
	App     *slog.Logger
	HTTP    *slog.Logger
	Scraper *slog.Logger

	exceptions *slog.Logger
	rejections *slog.Logger

	dir     string
	closers []io.Closer
}

// Setup opens the rotating log files and builds the logger set.
func Setup(cfg config.LoggingConfig) (*Logs, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./logs"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	level := ParseLevel(cfg.Level)
	l := &Logs{dir: cfg.Dir}

	sink := func(name string) io.Writer {
		w := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   false,
		}
		l.closers = append(l.closers, w)
		return w
	}

	combined := slog.NewJSONHandler(sink(FileCombined), &slog.HandlerOptions{Level: level})
	errOnly := slog.NewJSONHandler(sink(FileError), &slog.HandlerOptions{Level: slog.LevelError})

	base := []slog.Handler{combined, errOnly}
	if cfg.Console {
		base = append(base, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}

	withFile := func(name string) slog.Handler {
		h := slog.NewJSONHandler(sink(name), &slog.HandlerOptions{Level: level})
		return newMultiHandler(append([]slog.Handler{h}, base...)...)
	}

	l.App = slog.New(newMultiHandler(base...))
	l.HTTP = slog.New(withFile(FileHTTP)).With("component", "http")
	l.Scraper = slog.New(withFile(FileScraping)).With("component", "scraper")
	l.exceptions = slog.New(withFile(FileExceptions))
	l.rejections = slog.New(withFile(FileRejections))

	return l, nil
}

// Dir returns the directory the log files live in.
func (l *Logs) Dir() string { return l.dir }

// Exception records a recovered panic with its stack.
func (l *Logs) Exception(component string, recovered any, stack []byte) {
	l.exceptions.Error("panic recovered",
		"component", component,
		"panic", fmt.Sprint(recovered),
		"stack", string(stack),
	)
}

// Rejection records a failure of detached background work (cron triggers,
// post-run cleanup) that has no caller left to report to.
func (l *Logs) Rejection(task string, err error) {
	l.rejections.Error("background task failed", "task", task, "error", err.Error())
}

// Close flushes and closes every log file.
func (l *Logs) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ParseLevel maps a config level string to a slog level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans one record out to several handlers, each keeping its own
// level gate.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
