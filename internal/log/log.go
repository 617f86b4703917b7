// Package log is the structured logging layer for the edge. It wraps
// log/slog with trace correlation, error-chain enrichment, and stack
// capture so every line carries enough context to debug a production
// incident without grepping for neighbors.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// Options configures a Logger. App, Version, Commit, and BuildID become
// base attributes on every line so log storage can slice by deploy.
type Options struct {
	App               string
	Version           string
	Commit            string
	BuildID           string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JSON              bool
	MaxErrorLinks     int
	IncludeErrorLinks bool
	Writer            io.Writer
}

// New builds the production logger. The zero Options value gives an
// info-level text logger on stdout.
func New(opts Options) (Logger, error) {
	return newSlog(opts)
}

// ParseLevel maps a config string onto a slog level. Case and
// surrounding whitespace are forgiven; unknown names are not.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q, want debug|info|warn|error", s)
	}
}
