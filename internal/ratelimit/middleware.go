package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

// rateLimitedBody is the JSON shape of a 429. RetryAfter mirrors the
// Retry-After header in seconds for clients that never look at headers.
type rateLimitedBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// Middleware gates every request ahead of routing. Denials are terminal:
// downstream never runs and the upstream never sees the request.
//
// The budget headers are written before the inner handler runs, and they
// are the only headers this layer touches, so anything downstream sets is
// merged untouched.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.Allow(r)

		if !d.Degraded {
			setBudgetHeaders(w.Header(), d)
		}

		if !d.Allowed {
			writeRateLimited(w, d)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setBudgetHeaders exposes the budget on every counted response, denied or
// not. Remaining is already zero on denials by construction.
func setBudgetHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeRateLimited shapes the denial. Retry-After is whole seconds until
// the window resets, floored at 1 so clients never see "retry in 0".
func writeRateLimited(w http.ResponseWriter, d Decision) {
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rateLimitedBody{
		Error:      "rate limit exceeded",
		RetryAfter: retry,
	})
}
