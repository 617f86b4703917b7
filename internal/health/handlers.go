package health

import (
	"io"
	"net/http"
)

// HealthzHandler serves liveness: 200 with "ok" while the probe
// passes, 503 with the failure reason otherwise. A nil probe always
// passes.
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok\n") }

// ReadyzHandler serves readiness the same way, with "ready" as the
// passing body. The reason text is what operators see in kubectl
// describe, so probes should fail with something actionable.
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready\n") }

func probeHandler(p Probe, pass string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, pass)
	}
}
