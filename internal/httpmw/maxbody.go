package httpmw

import "net/http"

// MaxBody caps the request body before it streams to the upstream. Photo
// uploads are the largest legitimate bodies; anything past the cap fails
// the handler's read with *http.MaxBytesError and a 413.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
