// Package logging provides the supervisor's component logger: a thin
// log/slog wrapper that every subsystem (runtime, container, stream, wrapper,
// sandbox, proxy) instantiates once under its own component name.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is the interface every supervisor subsystem logs through. The
// format+args shape matches fmt.Sprintf so call sites read naturally, e.g.
// logger.Error("start container %s: %v", name, err).
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)

	// With returns a derived Logger that attaches the given key/value pairs
	// to every subsequent record, e.g. logger.With("mcp_id", id).
	With(kv ...any) Logger
}

// ComponentLogger is a Logger backed by log/slog, tagged with a fixed
// "component" attribute and any attributes attached via With.
type ComponentLogger struct {
	slog *slog.Logger
}

var _ Logger = (*ComponentLogger)(nil)

// NewComponentLogger returns a Logger for the named subsystem, using the
// process-wide base handler configured by Init (or a stderr text handler if
// Init was never called, e.g. in unit tests).
func NewComponentLogger(component string) Logger {
	return &ComponentLogger{slog: baseLogger().With("component", component)}
}

func (c *ComponentLogger) Debug(format string, args ...any) { c.log(slog.LevelDebug, format, args...) }
func (c *ComponentLogger) Info(format string, args ...any)  { c.log(slog.LevelInfo, format, args...) }
func (c *ComponentLogger) Warn(format string, args ...any)  { c.log(slog.LevelWarn, format, args...) }
func (c *ComponentLogger) Error(format string, args ...any) { c.log(slog.LevelError, format, args...) }

func (c *ComponentLogger) With(kv ...any) Logger {
	return &ComponentLogger{slog: c.slog.With(kv...)}
}

func (c *ComponentLogger) log(level slog.Level, format string, args ...any) {
	if !c.slog.Enabled(context.Background(), level) {
		return
	}
	c.slog.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

var base *slog.Logger

// Init installs the process-wide slog handler. jsonFormat selects a JSON
// handler (production/non-TTY) over a text handler (dev mode), mirroring the
// devMode/internalMode dual-mode split used elsewhere in the stack. Safe to
// call once at process start; subsequent ComponentLoggers pick it up lazily.
func Init(w io.Writer, level slog.Level, jsonFormat bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if jsonFormat {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	base = slog.New(h)
}

func baseLogger() *slog.Logger {
	if base == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return base
}
