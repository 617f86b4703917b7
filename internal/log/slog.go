package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// linkPolicy controls how Error expands wrap chains into attributes.
type linkPolicy struct {
	include bool
	max     int
}

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	links linkPolicy
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackAt := opts.StacktraceLevel
	if stackAt == 0 {
		stackAt = slog.LevelError
	}
	maxLinks := opts.MaxErrorLinks
	if maxLinks <= 0 {
		maxLinks = 8
	}

	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var enc slog.Handler
	if opts.JSON {
		enc = slog.NewJSONHandler(w, hopts)
	} else {
		enc = slog.NewTextHandler(w, hopts)
	}

	// stack enrichment sits outermost so traceHandler and the encoder
	// both see the finished record
	return &slogLogger{
		h:     stacktraceHandler{next: traceHandler{next: enc}, level: stackAt},
		attrs: deployAttrs(opts),
		links: linkPolicy{include: opts.IncludeErrorLinks, max: maxLinks},
	}, nil
}

// deployAttrs builds the base attributes every line carries. Empty
// identity fields are left off rather than logged as "".
func deployAttrs(opts Options) []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	attrs = append(attrs, slog.String("app", opts.App))
	for _, id := range []struct{ key, val string }{
		{"version", opts.Version},
		{"commit", opts.Commit},
		{"build_id", opts.BuildID},
	} {
		if id.val != "" {
			attrs = append(attrs, slog.String(id.key, id.val))
		}
	}
	return attrs
}

// pairAttrs converts loose kv arguments into attrs, dropping orphan
// values and pairs whose key is not a string.
func pairAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for len(kv) >= 2 {
		k, v := kv[0], kv[1]
		kv = kv[2:]
		if name, ok := k.(string); ok {
			attrs = append(attrs, slog.Any(name, v))
		}
	}
	return attrs
}

func (s *slogLogger) With(kv ...any) Logger {
	child := *s
	// the three-index slice forces append to reallocate, so siblings
	// sharing the parent's backing array never see each other's attrs
	child.attrs = append(child.attrs[:len(child.attrs):len(child.attrs)], pairAttrs(kv)...)
	return &child
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}
func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}
func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}
func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorAttrs(err, s.links)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}
func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, emit, and the level method above it
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(pairAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// traceHandler stamps the active trace and span IDs onto each record
// so a log line can be joined to its trace in the backend.
type traceHandler struct{ next slog.Handler }

func (h traceHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}
func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}
func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(attrs)}
}
func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}
