// Package logger assembles the application slog pipeline: JSON output with
// rotation, sensitive-field masking, and optional Sentry fanout.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	sentryslog "github.com/samber/slog-sentry/v2"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how the root logger is constructed.
type Options struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	SentryDSN  string
}

// New builds the root logger. Output goes to stdout and, when FilePath is
// set, to a size-rotated file. Records pass through the masking handler
// before any sink sees them.
func New(opts Options) *slog.Logger {
	level := parseLevel(opts.Level)

	var out io.Writer = os.Stdout
	if opts.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    defaultInt(opts.MaxSizeMB, 50),
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			MaxAge:     defaultInt(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotated)
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}),
	}

	if opts.SentryDSN != "" {
		handlers = append(handlers, sentryslog.Option{
			Level: slog.LevelError,
		}.NewSentryHandler())
	}

	var root slog.Handler
	if len(handlers) == 1 {
		root = handlers[0]
	} else {
		root = newTeeHandler(handlers...)
	}

	return slog.New(NewMaskingHandler(root))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func defaultInt(value, fallback int) int {
	if value > 0 {
		return value
	}

	return fallback
}

// teeHandler fans one record out to several handlers.
type teeHandler struct {
	handlers []slog.Handler
}

func newTeeHandler(handlers ...slog.Handler) *teeHandler {
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}

	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}

	return &teeHandler{handlers: next}
}
