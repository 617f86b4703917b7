package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loveledger/edge/internal/health"
	"github.com/loveledger/edge/internal/httpmw"
	"github.com/loveledger/edge/internal/xerrors"
)

const (
	// DefaultPort is where the public listener binds when Options.Port is zero.
	DefaultPort = 8080

	// DefaultMaxBodyBytes caps request bodies. Photo uploads stream through
	// the edge, so the cap sits far above typical JSON traffic.
	DefaultMaxBodyBytes = 32 << 20

	// DefaultDrainTimeout bounds graceful shutdown when Options carries none.
	DefaultDrainTimeout = 10 * time.Second
)

// Listener tuning, fixed rather than configurable. Read and write
// windows are generous because uploads and long feed responses stream
// through the edge on mobile links.
const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 2 * time.Minute
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 75 * time.Second
	maxHeaderBytes    = 1 << 20
)

// NewHandler builds the edge handler: admission control wrapped around a
// thin router whose catch-all is the upstream proxy.
func NewHandler(opts Options) http.Handler {
	r := chi.NewRouter()

	// Compress API responses. The upstream mostly talks JSON; text/plain
	// covers error bodies.
	r.Use(middleware.Compress(5,
		"application/json",
		"text/plain",
	))

	// The logger and the active span pick up http.route once chi has
	// matched the pattern.
	r.Use(httpmw.RouteTag)

	r.Use(httpmw.AccessLog)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	r.Use(httpmw.MaxBody(maxBody))

	// Liveness and readiness, registered only when a probe is wired.
	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	// Everything no edge route claims belongs to the upstream. Method
	// fall-through included: a POST to an edge GET route is an upstream
	// concern, not a 405 of ours.
	if opts.Proxy != nil {
		r.NotFound(opts.Proxy.ServeHTTP)
		r.MethodNotAllowed(opts.Proxy.ServeHTTP)
	}

	// Conditional middlewares; nil entries are skipped by Chain.
	var recoverMW func(http.Handler) http.Handler
	if opts.Recover {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}
	var versionMW func(http.Handler) http.Handler
	if opts.VersionInfo != nil {
		versionMW = httpmw.VersionHeaders(opts.VersionInfo)
	}

	// Outermost first. Security headers wrap everything so they ride on
	// every response including 429s and proxy errors. Client IP resolution
	// sits above the limiter so budgets key on the resolved address, and
	// the throttle sheds load before any per-client accounting happens.
	// Request-scoped logging is innermost so it sees trace_id, etc.
	return httpmw.Chain(r,
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ResolveClientIP(opts.ProxyHops),
		opts.Throttle,
		opts.Limiter,
		tracingMW(),
		versionMW,
		httpmw.TraceResponseHeaders,
		opts.Metrics,
		httpmw.WithLogger(opts.Logger),
	)
}

// traced filters which requests open a span. Probe chatter and browser
// noise never do.
func traced(p string) bool {
	switch p {
	case "/-/healthy", "/-/ready", "/favicon.ico", "/robots.txt":
		return false
	}
	return true
}

// tracingMW shapes the otelhttp handler as a chainable middleware.
func tracingMW() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return traced(r.URL.Path)
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// the span opens under the raw path and is renamed once
				// chi resolves the route pattern
				return r.Method + " " + r.URL.Path
			}),
			// remote trace parents are untrusted at the public edge; keep
			// them as links rather than parents
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		)
	}
}

// newServer applies the edge's listener tuning to a plain http.Server.
func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// Start binds the public listener and serves the edge handler on it. The
// returned stop function drains in-flight requests and is safe to call
// more than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Trace(err)
	}

	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	srv := newServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "edge listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "edge serve failed")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) error {
		var serr error
		once.Do(func() {
			opts.Logger.Info(sctx, "edge draining", "timeout", drain)
			dctx, cancel := context.WithTimeout(sctx, drain)
			defer cancel()
			serr = srv.Shutdown(dctx)
		})
		return serr
	}
	return stop, nil
}
