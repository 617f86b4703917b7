package httpmw

import "net/http"

// Chain wraps h with mws so that the first middleware listed is the
// outermost. Nil entries are skipped, which lets callers hand in
// optional middlewares (throttle, rate limit, metrics) without
// branching.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	// last middleware wraps the handler first
	for i := len(mws) - 1; i >= 0; i-- {
		if mw := mws[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}
