package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loveledger/edge/internal/version"
)

// Set owns the edge's private registry and every series the request
// path emits. One Set per process; the zero value is not usable.
type Set struct {
	reg     *prometheus.Registry
	handler http.Handler

	// request path
	inFlight     prometheus.Gauge
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	respSize     *prometheus.HistogramVec
	serverErrors *prometheus.CounterVec
	panics       prometheus.Counter

	// admission
	denied          *prometheus.CounterVec
	windowExhausted prometheus.Counter
	unresolved      prometheus.Counter
	storeErrors     prometheus.Counter
	throttled       prometheus.Counter
	upstreamErrors  prometheus.Counter

	build     *prometheus.GaugeVec
	profiling prometheus.Gauge
}

// New builds the registry with the Go and process collectors plus the
// edge's own series. Request series carry method, route pattern, and
// status only; raw paths are client-controlled and never become label
// values.
func New() *Set {
	m := &Set{reg: prometheus.NewRegistry()}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "Requests currently being served or proxied",
	})
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Requests finished, by method, route, and status",
	}, []string{"method", "route", "status"})
	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Wall time per request, by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	m.respSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "Bytes written per response, by method and route",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"method", "route"})
	m.serverErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_server_errors_total",
		Help: "5xx responses, by method and route; feeds the error-rate SLO",
	}, []string{"method", "route"})
	m.panics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_panics_recovered_total",
		Help: "Handler panics converted to 500s by the recovery middleware",
	})

	m.denied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Requests denied a budget slot, by path class",
	}, []string{"class"})
	m.windowExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_window_exhausted_total",
		Help: "Windows that ran out of budget, counted at the first denial",
	})
	m.unresolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_unresolvable_client_total",
		Help: "Requests with no resolvable client address, charged to the shared fallback identity",
	})
	m.storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_store_errors_total",
		Help: "Limit decisions degraded to fail-open because the store errored",
	})
	m.throttled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_throttled_total",
		Help: "Requests shed by the global throttle ahead of per-client accounting",
	})
	m.upstreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upstream_errors_total",
		Help: "Proxy attempts that got no response from the upstream",
	})

	m.build = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build identity; the value is always 1",
	}, []string{"version", "commit", "build_id", "go_version", "dirty"})
	m.profiling = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profiling_active",
		Help: "1 while the pyroscope agent is running",
	})

	m.reg.MustRegister(
		m.inFlight, m.requests, m.latency, m.respSize, m.serverErrors, m.panics,
		m.denied, m.windowExhausted, m.unresolved, m.storeErrors, m.throttled, m.upstreamErrors,
		m.build, m.profiling,
	)

	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return m
}

// Handler serves the scrape endpoint on the ops listener.
func (m *Set) Handler() http.Handler { return m.handler }

func (m *Set) IncHTTPPanic() { m.panics.Inc() }

func (m *Set) IncRateLimitDenied(class string) { m.denied.WithLabelValues(class).Inc() }

func (m *Set) IncRateLimitWindowExhausted() { m.windowExhausted.Inc() }

func (m *Set) IncRateLimitUnresolvableClient() { m.unresolved.Inc() }

func (m *Set) IncRateLimitStoreError() { m.storeErrors.Inc() }

func (m *Set) IncThrottled() { m.throttled.Inc() }

func (m *Set) IncUpstreamError() { m.upstreamErrors.Inc() }

// SetBuildInfo publishes the build identity series. Called once at
// startup; the value never moves after that.
func (m *Set) SetBuildInfo(vi version.Info) {
	m.build.With(prometheus.Labels{
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildID,
		"go_version": vi.GoVersion,
		"dirty":      dirtyLabel(vi.VCSDirty),
	}).Set(1)
}

// dirtyLabel renders the tri-state VCS flag. Builds outside a checkout
// have no answer, and "unknown" keeps that distinct from a clean false.
func dirtyLabel(dirty *bool) string {
	if dirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*dirty)
}

// RegisterTrackedKeys exposes the live size of the limiter's key table.
// Call once at startup, after the store exists.
func (m *Set) RegisterTrackedKeys(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rate_limit_tracked_keys",
		Help: "Client keys currently tracked by the rate limit store",
	}, func() float64 { return float64(fn()) }))
}

// SetProfilingActive mirrors the pyroscope agent state so dashboards
// can tell "no profiles arriving" apart from "profiling off".
func (m *Set) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}
