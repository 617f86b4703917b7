package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// stacktraceHandler attaches a stack trace to records at or above its level.
// An error value that captured its own stack wins over a fresh capture,
// since the capture site is closer to the fault than the log site.
type stacktraceHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h stacktraceHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h stacktraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		if pcs := carriedPCs(r); len(pcs) > 0 {
			r.AddAttrs(slog.String("stack", formatFrames(pcs)))
		} else {
			r.AddAttrs(slog.String("stack", freshStack()))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h stacktraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stacktraceHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h stacktraceHandler) WithGroup(name string) slog.Handler {
	return stacktraceHandler{next: h.next.WithGroup(name), level: h.level}
}

// carriedPCs pulls the captured stack off the record's err attr.
func carriedPCs(r slog.Record) []uintptr {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if hs, ok := a.Value.Any().(stackCarrier); ok && hs != nil {
			pcs = hs.StackPCs()
		}
		return false
	})
	return pcs
}

func freshStack() string {
	var pcs [64]uintptr
	// drop runtime.Callers, this function, and stacktraceHandler.Handle
	n := runtime.Callers(3, pcs[:])
	return strings.TrimSpace(formatFrames(pcs[:n]))
}

// formatFrames formats frames one per pair of lines, the way panic output
// does. Frames inside the logging machinery are dropped from the top,
// and rendering stops at the first runtime frame so goroutine scheduler
// noise never lands in log storage.
func formatFrames(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	skipping := true
	for more := true; more; {
		var fr runtime.Frame
		fr, more = frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if skipping && loggingFrame(fr.Function) {
			continue
		}
		skipping = false
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
	}
	return b.String()
}

func loggingFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/log.")
}
