package log

import (
	"context"
)

type ctxKey struct{}

// WithContext returns a child context carrying l. Handlers and
// middleware pull it back out with FromContext.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx. A bare context yields
// Nop so call sites never have to nil-check before logging.
func FromContext(ctx context.Context) Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(Logger); ok && l != nil {
			return l
		}
	}
	return Nop()
}
