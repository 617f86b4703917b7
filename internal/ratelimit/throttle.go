package ratelimit

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Throttle is the coarse process-wide ceiling ahead of the per-client
// limiter. The per-client windows keep one key honest; this keeps ten
// thousand distinct keys from flattening the upstream together.
type Throttle struct {
	lim    *rate.Limiter
	onShed func()
}

// NewThrottle builds a ceiling of perSecond requests with the given burst.
// perSecond <= 0 disables it and Middleware passes straight through.
// onShed, when non-nil, fires for every request the ceiling rejects.
func NewThrottle(perSecond float64, burst int, onShed func()) *Throttle {
	t := &Throttle{onShed: onShed}
	if perSecond > 0 {
		if burst < 1 {
			burst = int(perSecond)
		}
		if burst < 1 {
			burst = 1
		}
		t.lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return t
}

// Middleware sheds load with 503 once the global budget is spent. 503
// rather than 429 because the client did nothing wrong; the process is at
// capacity. No budget headers either, those describe per-client windows.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	if t == nil || t.lim == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.lim.Allow() {
			if t.onShed != nil {
				t.onShed()
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server overloaded","retryAfter":1}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
