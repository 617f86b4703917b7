package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loveledger/edge/internal/health"
	"github.com/loveledger/edge/internal/httpmw"
	"github.com/loveledger/edge/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Recovery middleware to log panics and serve a 500.
	Recover bool
	OnPanic func()

	// Middleware supplied by main so this package stays free of
	// prometheus and limiter wiring.
	Metrics  func(http.Handler) http.Handler
	Throttle func(http.Handler) http.Handler
	Limiter  func(http.Handler) http.Handler

	// ProxyHops is the trusted reverse-proxy count for X-Forwarded-For
	// resolution. The limiter keys on the resolved address, so this must
	// match the actual LB topology.
	ProxyHops int

	// VersionInfo, when set, stamps X-Edge-Version/X-Edge-Commit headers.
	VersionInfo httpmw.VersionInfo

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers edge-owned endpoints on the router.
	APIRoutes func(chi.Router)

	// Proxy takes every request no edge route claims.
	Proxy http.Handler

	// MaxBodyBytes caps request bodies. Zero means DefaultMaxBodyBytes.
	// Uploads pass through this edge, so the cap is generous by default.
	MaxBodyBytes int64

	// DrainTimeout caps how long stop() waits for in-flight requests.
	// Zero means DefaultDrainTimeout.
	DrainTimeout time.Duration
}
