package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/loveledger/edge/internal/ratelimit"
)

// meterWriter captures status and body size for the series labels.
type meterWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *meterWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *meterWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *meterWriter) statusOrDefault() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Middleware records the in-flight gauge, request count, latency, and
// response size for every admitted request. Labels are method, route,
// and status only; client-controlled values never become label values.
func (m *Set) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Seed an empty chi route context when wrapping from outside the
		// router. The inner mux reuses it, so the matched pattern is
		// visible here after the handler returns.
		if chi.RouteContext(r.Context()) == nil {
			rctx := chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inFlight.Inc()
		defer m.inFlight.Dec()

		mw := &meterWriter{ResponseWriter: w}
		next.ServeHTTP(mw, r)

		method := r.Method
		route := routeLabel(r)
		statusCode := mw.statusOrDefault()
		status := strconv.Itoa(statusCode)

		m.requests.WithLabelValues(method, route, status).Inc()
		if statusCode >= 500 {
			m.serverErrors.WithLabelValues(method, route).Inc()
		}

		m.observeDuration(r.Context(), method, route, time.Since(start).Seconds())
		m.respSize.WithLabelValues(method, route).Observe(float64(mw.bytes))
	})
}

// routeLabel is the chi pattern when an edge route matched. Most
// traffic falls through to the proxy with no pattern, and raw upstream
// paths are unbounded, so proxied requests collapse into one series per
// path class.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pat := rc.RoutePattern(); pat != "" {
			return pat
		}
	}
	class, _ := ratelimit.PresetFor(r.URL.Path)
	return "proxy:" + string(class)
}

// observeDuration attaches the sampled trace ID as an exemplar so a
// latency bucket links back to a concrete trace.
func (m *Set) observeDuration(ctx context.Context, method, route string, seconds float64) {
	obs := m.latency.WithLabelValues(method, route)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() && sc.IsSampled() {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(seconds, prometheus.Labels{"trace_id": sc.TraceID().String()})
			return
		}
	}
	obs.Observe(seconds)
}
