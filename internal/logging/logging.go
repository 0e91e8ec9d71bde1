// Package logging configures the process-wide slog logger and hands out
// component-tagged child loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeyTarget     = "target"
	KeyJob        = "job"
	KeyOp         = "op"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// root holds the handler Init installed last. Until Init runs it is a
// text handler on stdout at info level, so logs emitted during startup
// are not lost.
var root atomic.Value // slog.Handler

// frame records one With call so it can be replayed later. Exactly one
// of group or attrs is set.
type frame struct {
	group string
	attrs []slog.Attr
}

// dynamicHandler resolves against the current root on every record.
// slog loggers capture their handler when built, so package-level
// loggers created before Init would otherwise keep the bootstrap
// handler forever. Replaying frames in order preserves the nesting of
// interleaved WithGroup and WithAttrs calls.
type dynamicHandler struct {
	frames []frame
}

func (h *dynamicHandler) resolve() slog.Handler {
	out := root.Load().(slog.Handler)
	for _, f := range h.frames {
		if f.group != "" {
			out = out.WithGroup(f.group)
		} else if len(f.attrs) > 0 {
			out = out.WithAttrs(f.attrs)
		}
	}
	return out
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.extend(frame{attrs: attrs})
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.extend(frame{group: name})
}

func (h *dynamicHandler) extend(f frame) slog.Handler {
	frames := make([]frame, len(h.frames), len(h.frames)+1)
	copy(frames, h.frames)
	return &dynamicHandler{frames: append(frames, f)}
}

var defaultLogger = slog.New(&dynamicHandler{})

func init() {
	root.Store(slog.Handler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.SetDefault(defaultLogger)
}

// Init installs the configured handler. Call once after config is
// loaded; loggers handed out before the call pick up the new handler.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	root.Store(handler)
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithJob returns a child logger with job correlation fields attached.
func WithJob(logger *slog.Logger, jobPath, target string) *slog.Logger {
	return logger.With(
		slog.String(KeyJob, jobPath),
		slog.String(KeyTarget, target),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from ctx, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
