package httpmw

import (
	"net/http"

	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/xerrors"
)

// Recover converts handler panics into a 500 instead of a torn connection.
// The panic value is logged through the standard logger with request
// context; onPanic (optional) feeds the panic counter.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http aborts responses on purpose with this sentinel
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				} else {
					err = xerrors.Trace(err)
				}

				if onPanic != nil {
					onPanic()
				}

				logger.With(
					"method", r.Method,
					"path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
