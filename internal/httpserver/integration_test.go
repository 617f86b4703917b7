package httpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loveledger/edge/internal/health"
	"github.com/loveledger/edge/internal/httpserver"
	"github.com/loveledger/edge/internal/limiterhttp"
	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/ratelimit"
	"github.com/loveledger/edge/internal/upstream"
)

// TestEdgeEndToEnd wires httpserver.NewHandler the way main does: a real
// limiter in front of a real reverse proxy against a live test upstream,
// plus the status API and health probes. Each subtest uses its own client
// address so budgets never interfere.
func TestEdgeEndToEnd(t *testing.T) {
	t.Parallel()

	var authCodeHits atomic.Int32

	// Upstream app the edge fronts. Echoes what the edge forwarded.
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/code" {
			authCodeHits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"path":%q,"method":%q,"forwarded":%q}`,
			r.URL.Path, r.Method, r.Header.Get("X-Forwarded-For"))
	}))
	t.Cleanup(up.Close)

	proxy, err := upstream.New(upstream.Options{Target: up.URL, Logger: log.Nop()})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter, err := ratelimit.New(ctx)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}

	api := limiterhttp.NewAPI(limiter, log.Nop())

	handler := httpserver.NewHandler(httpserver.Options{
		Logger:    log.Nop(),
		Limiter:   limiter.Middleware,
		Proxy:     proxy,
		APIRoutes: api.RegisterRoutes,
		Health:    health.Healthy,
		Readiness: health.Healthy,
	})

	send := func(method, path, remoteAddr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, http.NoBody)
		req.RemoteAddr = remoteAddr
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("proxies unmatched paths with budget headers", func(t *testing.T) {
		t.Parallel()
		rec := send(http.MethodGet, "/feed", "203.0.113.1:40001")

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body, _ := io.ReadAll(rec.Body)
		if !strings.Contains(string(body), `"path":"/feed"`) {
			t.Fatalf("body = %q, want the upstream echo for /feed", body)
		}
		if !strings.Contains(string(body), "203.0.113.1") {
			t.Fatalf("body = %q, want the client address forwarded upstream", body)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "120" {
			t.Errorf("X-RateLimit-Limit = %q, want 120 for a read path", got)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "119" {
			t.Errorf("X-RateLimit-Remaining = %q, want 119 after one request", got)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Error("HSTS missing on proxied response")
		}
		if id := rec.Header().Get("X-Request-Id"); len(id) < 20 {
			t.Errorf("X-Request-Id = %q, want a minted token", id)
		}
	})

	t.Run("auth budget exhausts at ten requests", func(t *testing.T) {
		t.Parallel()
		for i := 1; i <= 10; i++ {
			rec := send(http.MethodPost, "/api/auth/login", "203.0.113.2:40002")
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
			}
		}

		rec := send(http.MethodPost, "/api/auth/login", "203.0.113.2:40002")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("11th request: status = %d, want 429", rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
			t.Errorf("X-RateLimit-Remaining = %q, want 0 on denial", got)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After missing on denial")
		}
		if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
			t.Errorf("body = %q, want the denial payload", rec.Body.String())
		}
	})

	t.Run("denied requests never reach the upstream", func(t *testing.T) {
		t.Parallel()
		for range 12 {
			send(http.MethodPost, "/api/auth/code", "203.0.113.4:40004")
		}
		if got := authCodeHits.Load(); got != 10 {
			t.Fatalf("upstream saw %d auth code requests, want exactly the 10 allowed", got)
		}
	})

	t.Run("status endpoint reports live usage", func(t *testing.T) {
		t.Parallel()
		for range 3 {
			send(http.MethodGet, "/api/feed", "203.0.113.3:40003")
		}

		rec := send(http.MethodGet, "/api/ratelimit/status?path=/api/feed", "203.0.113.3:40003")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var sr limiterhttp.StatusResponse
		if err := json.NewDecoder(rec.Body).Decode(&sr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if sr.Class != ratelimit.ClassAPI {
			t.Errorf("class = %q, want api", sr.Class)
		}
		if sr.Budget.Limit != 60 {
			t.Errorf("budget limit = %d, want 60", sr.Budget.Limit)
		}
		if sr.Usage == nil {
			t.Fatal("usage should be reported for a live limiter")
		}
		if sr.Usage.Remaining != 57 {
			t.Errorf("remaining = %d, want 57 after three requests", sr.Usage.Remaining)
		}
	})

	t.Run("wrong method on an edge route goes upstream", func(t *testing.T) {
		t.Parallel()
		rec := send(http.MethodDelete, "/api/ratelimit/status", "203.0.113.5:40005")

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want the upstream's 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"method":"DELETE"`) {
			t.Fatalf("body = %q, want the upstream echo of the DELETE", rec.Body.String())
		}
	})

	t.Run("health endpoints answered by the edge", func(t *testing.T) {
		t.Parallel()
		rec := send(http.MethodGet, "/-/healthy", "203.0.113.6:40006")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
			t.Fatalf("GET /-/healthy = %d %q, want the edge's own 200 ok", rec.Code, rec.Body.String())
		}

		rec = send(http.MethodGet, "/-/ready", "203.0.113.6:40006")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ready") {
			t.Fatalf("GET /-/ready = %d %q, want the edge's own 200 ready", rec.Code, rec.Body.String())
		}
	})
}
