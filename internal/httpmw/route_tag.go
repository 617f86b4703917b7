package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RouteTag renames the active span to "METHOD pattern" once chi has
// matched and stamps http.route. Proxied requests match no edge route,
// so their spans keep the raw request path.
func RouteTag(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}

		route := r.URL.Path
		if rc := chi.RouteContext(ctx); rc != nil {
			if pat := rc.RoutePattern(); pat != "" {
				route = pat
			}
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(attribute.String("http.route", route))
	})
}
