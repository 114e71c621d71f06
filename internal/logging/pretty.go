// Package logging provides a colorized, single-line slog.Handler for
// terminal output: the Engine and every component log through log/slog,
// and this handler renders those records readably for a foreground CLI
// process instead of as JSON.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options configures PrettyHandler's rendering. SlogOpts.Level gates which
// records are emitted at all; SlogOpts.AddSource additionally prints the
// calling file:line.
type Options struct {
	SlogOpts   slog.HandlerOptions
	Color      bool
	TimeFormat string
}

// DefaultOptions returns the options used when the caller supplies none.
func DefaultOptions() Options {
	return Options{
		SlogOpts:   slog.HandlerOptions{Level: slog.LevelInfo},
		Color:      true,
		TimeFormat: "15:04:05",
	}
}

// paint renders a string in fg when color is enabled, verbatim otherwise.
type paint func(string) string

func noPaint(s string) string { return s }

func colorPaint(attrs ...color.Attribute) paint {
	c := color.New(attrs...)
	return func(s string) string { return c.Sprint(s) }
}

// PrettyHandler implements slog.Handler with human-oriented, colorized,
// single-line output: "HH:MM:SS LEVEL   file:line  message key=val key=val".
type PrettyHandler struct {
	opts   Options
	out    io.Writer
	mu     *sync.Mutex
	prefix string // dotted group path, e.g. "engine.peer"
	fields []slog.Attr

	levelPaint map[slog.Level]paint
	timePaint  paint
	msgPaint   paint
	srcPaint   paint
	fieldPaint paint
}

// NewPrettyHandler constructs a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.TimeFormat == "" {
		o.TimeFormat = "15:04:05"
	}

	h := &PrettyHandler{opts: o, out: w, mu: &sync.Mutex{}}
	h.paintFor(o.Color)
	return h
}

func (h *PrettyHandler) paintFor(enabled bool) {
	if !enabled {
		h.timePaint, h.msgPaint, h.srcPaint, h.fieldPaint = noPaint, noPaint, noPaint, noPaint
		h.levelPaint = nil
		return
	}

	h.timePaint = colorPaint(color.FgHiBlack)
	h.msgPaint = colorPaint(color.FgCyan)
	h.srcPaint = colorPaint(color.FgHiBlack)
	h.fieldPaint = colorPaint(color.FgWhite)
	h.levelPaint = map[slog.Level]paint{
		slog.LevelDebug: colorPaint(color.FgMagenta),
		slog.LevelInfo:  colorPaint(color.FgBlue),
		slog.LevelWarn:  colorPaint(color.FgYellow),
		slog.LevelError: colorPaint(color.FgRed, color.Bold),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.SlogOpts.Level != nil {
		min = h.opts.SlogOpts.Level.Level()
	}
	return level >= min
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder

	line.WriteString(h.timePaint(r.Time.Format(h.opts.TimeFormat)))
	line.WriteByte(' ')
	line.WriteString(h.paintLevel(r.Level))

	if h.opts.SlogOpts.AddSource {
		if src := h.sourceOf(r.PC); src != "" {
			line.WriteByte(' ')
			line.WriteString(h.srcPaint(src))
		}
	}

	line.WriteByte(' ')
	line.WriteString(h.msgPaint(r.Message))

	if rendered := h.renderFields(r); rendered != "" {
		line.WriteByte(' ')
		line.WriteString(h.fieldPaint(rendered))
	}
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

func (h *PrettyHandler) paintLevel(level slog.Level) string {
	s := fmt.Sprintf("%-5s", strings.ToUpper(level.String()))
	if p, ok := h.levelPaint[level]; ok {
		return p(s)
	}
	return s
}

func (h *PrettyHandler) sourceOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

// renderFields flattens this handler's inherited attributes plus the
// record's own into a logfmt-style "key=value" tail, in the order they were
// added (WithAttrs attrs first, then the record's). Nested groups render
// with dot-joined keys (e.g. "peer.addr=1.2.3.4:6881") rather than a nested
// JSON blob.
func (h *PrettyHandler) renderFields(r slog.Record) string {
	var parts []string

	for _, a := range h.fields {
		parts = appendField(parts, h.prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = appendField(parts, h.prefix, a)
		return true
	})

	return strings.Join(parts, " ")
}

func appendField(parts []string, prefix string, a slog.Attr) []string {
	v := a.Value.Resolve()
	key := joinKey(prefix, a.Key)

	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			parts = appendField(parts, key, ga)
		}
		return parts
	}
	if key == "" {
		return parts
	}

	return append(parts, key+"="+formatValue(v))
}

func joinKey(prefix, key string) string {
	switch {
	case key == "":
		return ""
	case prefix == "":
		return key
	default:
		return prefix + "." + key
	}
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\"") {
			return fmt.Sprintf("%q", s)
		}
		return s
	default:
		return fmt.Sprint(v.Any())
	}
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.clone(h.prefix, append(append([]slog.Attr(nil), h.fields...), attrs...))
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.clone(joinKey(h.prefix, name), append([]slog.Attr(nil), h.fields...))
}

func (h *PrettyHandler) clone(prefix string, fields []slog.Attr) *PrettyHandler {
	n := &PrettyHandler{
		opts:   h.opts,
		out:    h.out,
		mu:     h.mu,
		prefix: prefix,
		fields: fields,
	}
	n.paintFor(h.opts.Color)
	return n
}
