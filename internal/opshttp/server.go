// Package opshttp runs the operational listener: probes, metrics, and
// pprof on a port the load balancer never routes to.
package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loveledger/edge/internal/health"
	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/xerrors"
)

const (
	defaultPort = 9000

	// shutdownGrace bounds how long stop waits for in-flight scrapes.
	shutdownGrace = 5 * time.Second
)

// Start brings up the ops listener and returns a stop function for
// graceful shutdown. The stop function is safe to call more than once.
func Start(ctx context.Context, lg log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "bind ops port %s", addr)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           denyPublicPeers(lg, newMux(opts)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// a pprof CPU capture blocks for its whole sample window before
		// the first byte, so the write window must outlast ?seconds=30
		WriteTimeout:   2 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		lg.Info(ctx, "ops listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error(ctx, err, "ops serve failed")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) error {
		var serr error
		once.Do(func() {
			lg.Info(sctx, "ops shutting down")
			dctx, cancel := context.WithTimeout(sctx, shutdownGrace)
			defer cancel()
			serr = srv.Shutdown(dctx)
		})
		return serr
	}
	return stop, nil
}

// newMux wires the ops routes. The probe paths double as the LB target
// group checks, so they must stay in sync with the deploy manifests.
func newMux(opts *Options) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// keep the prefix claimed so nothing else can squat on it
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	return mux
}

// denyPublicPeers rejects peers outside loopback, private, and
// link-local ranges. The ops port carries pprof and metrics and is
// never meant to face the internet; if a misconfigured LB points at it
// anyway we fail closed.
func denyPublicPeers(lg log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		internal := ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast())

		// scrapes hit this port directly; anything carrying forward
		// headers came through a proxy that should not route here
		if !internal || r.Header.Get("X-Forwarded-For") != "" {
			lg.Warn(r.Context(), "ops request rejected",
				"network.peer.address", host,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
