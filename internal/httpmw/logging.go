package httpmw

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loveledger/edge/internal/log"
)

// WithLogger derives a request-scoped logger from base, pre-bound with
// the identity of the request: ID, method, path, scheme, resolved
// client address, and direct peer. Handlers pull it back out through
// log.FromContext, so every line they emit carries that identity
// without re-plumbing. The same attributes land on the active span to
// keep traces and log lines joinable.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			id := RequestIDFromContext(ctx)
			proto := requestScheme(r)

			// ClientIP middleware (outer) already applied the
			// trusted-hops rules; never re-derive from headers here
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = r.RemoteAddr
			}

			// peer is the raw TCP source, in practice the LB
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", id),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", proto),
				)
			}

			// Host and query stay out of the log fields. Query strings on
			// this app carry search filters and auth parameters we must not
			// persist in logs.
			L := base.With(
				"request_id", id,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", proto,
				"client.address", client,
				"network.peer.address", peer,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog emits one line per admitted request once the response is
// fully written. Denied requests never get this far; the limiter
// accounts for them in its own metrics.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// probes fire every few seconds; logging or span-wrapping
		// them is pure noise
		if r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready" {
			next.ServeHTTP(w, r)
			return
		}

		reqBytes := max(r.ContentLength, 0)

		cw := &captureWriter{ResponseWriter: w, ctx: r.Context(), start: time.Now()}
		next.ServeHTTP(cw, r)
		cw.closeSpan()

		ctx := r.Context()
		elapsed := time.Since(cw.start)

		route := r.URL.Path
		if rc := chi.RouteContext(ctx); rc != nil {
			if pat := rc.RoutePattern(); pat != "" {
				route = pat
			}
		}

		kv := []any{
			"http.response.status_code", cw.statusCode(),
			"http.server.request.duration", elapsed.Seconds(),
			"http.response.body.size", cw.bytes,
			"http.request.body.size", reqBytes,
			"http.route", route,
		}

		// the limiter stamps the budget before the handler runs
		if rem := w.Header().Get("X-RateLimit-Remaining"); rem != "" {
			if n, err := strconv.Atoi(rem); err == nil {
				kv = append(kv, "ratelimit.remaining", n)
			}
		}

		log.FromContext(ctx).Info(ctx, "request served", kv...)
	})
}

// validSchemes is a whitelist; anything else arriving in
// X-Forwarded-Proto or URL.Scheme is attacker-controllable and falls
// through rather than landing in logs and span attributes.
var validSchemes = map[string]bool{"http": true, "https": true}

func requestScheme(r *http.Request) string {
	// X-Forwarded-Proto comes from the LB; when several proxies
	// appended to the chain the first value is the original one
	if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); validSchemes[s] {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// WithHandler tags the request-scoped logger and span with the handler
// name. Edge-served endpoints use it so their lines are distinguishable
// from proxied traffic.
func WithHandler(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			lg := log.FromContext(ctx).With("handler", name)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("edge.handler", name))
			}
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, lg)))
		})
	}
}
