package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VersionInfo provides build identity for response headers.
type VersionInfo interface {
	EdgeVersion() string
	EdgeCommit() string
}

// VersionHeaders adds X-Edge-Version and X-Edge-Commit to all responses so
// a misbehaving response can be tied to the exact edge build that served
// it without shelling into the box.
func VersionHeaders(info VersionInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.EdgeVersion()
				c := info.EdgeCommit()
				if v != "" {
					w.Header().Set("X-Edge-Version", v)
				}
				if c != "" {
					// short commit is plenty for correlation
					if len(c) > 12 {
						c = c[:12]
					}
					w.Header().Set("X-Edge-Commit", c)
				}
				// Enrich the current trace span with the same identity
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("service.version", v))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
