// Package logger builds the process-wide slog logger: a tint console handler
// plus an optional rotated JSON log file.
package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ekisa-team/tfconv/internal/env"
)

const (
	defaultLogFile    = "logs/tfconv.log"
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

type options struct {
	logToFile bool
	logFile   string
	level     slog.Leveler
	console   io.Writer
	noColor   bool
}

// Option configures New.
type Option func(*options)

// WithLogToFile enables the rotated JSON log file.
func WithLogToFile(enabled bool) Option {
	return func(o *options) {
		o.logToFile = enabled
	}
}

// WithLogFile sets the log file path. It has no effect unless logging to a
// file is enabled.
func WithLogFile(path string) Option {
	return func(o *options) {
		if path != "" {
			o.logFile = path
		}
	}
}

// WithLevel overrides the environment's default level.
func WithLevel(level slog.Leveler) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithConsole redirects console output, which defaults to stderr.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
		o.noColor = true
	}
}

// New returns a logger for environment e. Development logs at debug level
// in colour; production logs at info level without colour.
func New(e env.Environment, opts ...Option) *slog.Logger {
	o := &options{
		logFile: defaultLogFile,
		level:   slog.LevelInfo,
		console: os.Stderr,
		noColor: !e.IsDevelopment(),
	}
	if e.IsDevelopment() {
		o.level = slog.LevelDebug
	}
	for _, opt := range opts {
		opt(o)
	}

	handlers := []slog.Handler{
		tint.NewHandler(o.console, &tint.Options{
			Level:      o.level,
			TimeFormat: time.TimeOnly,
			NoColor:    o.noColor,
		}),
	}

	if o.logToFile {
		handlers = append(handlers, slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   o.logFile,
			MaxSize:    defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
			MaxAge:     defaultMaxAgeDays,
			Compress:   true,
		}, &slog.HandlerOptions{Level: o.level}))
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(fanout(handlers))
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
