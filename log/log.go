// Package log provides the leveled, key-value structured logger used
// throughout the engine. It mirrors the shape of the teacher's own `log`
// package: a small set of level functions plus a colorized terminal
// handler, built on top of the stdlib log/slog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level but keeps the Crit level the teacher's log
// package exposes for unrecoverable conditions.
type Level = slog.Level

const (
	LevelTrace Level = slog.Level(-8)
	LevelDebug       = slog.LevelDebug
	LevelInfo        = slog.LevelInfo
	LevelWarn        = slog.LevelWarn
	LevelError       = slog.LevelError
	LevelCrit  Level = slog.Level(12)
)

var root = New(os.Stderr)

// Logger is the handle returned by New and by With.
type Logger struct {
	inner *slog.Logger
}

// New builds a Logger writing to w, colorized if w is a terminal.
func New(w io.Writer) *Logger {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd())
	}
	out := w
	if useColor {
		out = colorable.NewColorable(w.(*os.File))
	}
	h := &terminalHandler{w: out, useColor: useColor, minLevel: LevelInfo}
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level root logger.
func SetDefault(l *Logger) { root = l }

// SetLevel adjusts the minimum level emitted by the root logger.
func SetLevel(lvl Level) {
	if h, ok := root.inner.Handler().(*terminalHandler); ok {
		h.minLevel = lvl
	}
}

func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv...) }

// Crit logs at the critical level and terminates the process, matching
// the teacher's log.Crit semantics (used for otherwise-unrecoverable
// persistence failures).
func (l *Logger) Crit(msg string, kv ...any) {
	l.log(LevelCrit, msg, kv...)
	os.Exit(1)
}

func (l *Logger) log(lvl Level, msg string, kv ...any) {
	l.inner.Log(context.Background(), lvl, msg, kv...)
}

func With(kv ...any) *Logger          { return root.With(kv...) }
func Trace(msg string, kv ...any)     { root.Trace(msg, kv...) }
func Debug(msg string, kv ...any)     { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)      { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)      { root.Warn(msg, kv...) }
func Error(msg string, kv ...any)     { root.Error(msg, kv...) }
func Crit(msg string, kv ...any)      { root.Crit(msg, kv...) }

// terminalHandler is a minimal slog.Handler emitting
// "LVL[timestamp] msg key=val key=val" lines, colorizing the level tag
// when writing to a terminal, matching the teacher's terminal log format.
type terminalHandler struct {
	w        io.Writer
	useColor bool
	minLevel Level
	attrs    []slog.Attr
}

func (h *terminalHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.minLevel
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	tag := levelTag(r.Level)
	if h.useColor {
		tag = levelColor(r.Level).Sprint(tag)
	}
	fmt.Fprintf(&b, "%s[%s] %s", tag, r.Time.Format(time.RFC3339), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &n
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }

func levelTag(lvl slog.Level) string {
	switch {
	case lvl >= LevelCrit:
		return "CRIT "
	case lvl >= LevelError:
		return "ERROR"
	case lvl >= LevelWarn:
		return "WARN "
	case lvl >= LevelInfo:
		return "INFO "
	case lvl >= LevelDebug:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

func levelColor(lvl slog.Level) *color.Color {
	switch {
	case lvl >= LevelCrit:
		return color.New(color.FgMagenta, color.Bold)
	case lvl >= LevelError:
		return color.New(color.FgRed)
	case lvl >= LevelWarn:
		return color.New(color.FgYellow)
	case lvl >= LevelInfo:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgCyan)
	}
}
