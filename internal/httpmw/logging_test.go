package httpmw

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/loveledger/edge/internal/log"
)

type logLine struct {
	msg    string
	err    error
	fields []any
}

// recordingLogger captures With, Info, and Error calls. With returns
// the same logger so every call in a request lands in one place.
type recordingLogger struct {
	mu      sync.Mutex
	lines   []logLine
	withKVs [][]any
}

func (l *recordingLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withKVs = append(l.withKVs, kv)
	return l
}

func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{msg: msg, fields: kv})
}

func (l *recordingLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{msg: msg, err: err, fields: kv})
}

func (l *recordingLogger) Debug(_ context.Context, msg string, kv ...any) {}
func (l *recordingLogger) Warn(_ context.Context, msg string, kv ...any)  {}
func (l *recordingLogger) Sync() error                                    { return nil }

func (l *recordingLogger) lastLine() (logLine, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return logLine{}, false
	}
	return l.lines[len(l.lines)-1], true
}

func (l *recordingLogger) lineCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// boundValue finds a key across every With call the logger saw.
func (l *recordingLogger) boundValue(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, kv := range l.withKVs {
		if v, ok := kvValue(kv, key); ok {
			return v, true
		}
	}
	return nil, false
}

// kvValue extracts a value by key from an alternating kv slice.
func kvValue(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

// installLogger puts rl into the request context ahead of the handler
// under test, standing in for the WithLogger middleware.
func installLogger(rl *recordingLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithContext(r.Context(), rl)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TestRequestScheme(t *testing.T) {
	tests := []struct {
		name   string
		proto  string
		scheme string
		tls    bool
		want   string
	}{
		{"XFP https", "https", "", false, "https"},
		{"XFP http", "http", "", false, "http"},
		{"XFP uppercase", "HTTPS", "", false, "https"},
		{"XFP padded", "  https  ", "", false, "https"},
		{"XFP chain takes first", "https, http", "", false, "https"},
		{"XFP invalid falls through", "ftp", "", false, "http"},
		{"XFP invalid with TLS", "gopher", "", true, "https"},
		{"URL scheme https", "", "https", false, "https"},
		{"URL scheme invalid", "", "ws", false, "http"},
		{"TLS fallback", "", "", true, "https"},
		{"bare default", "", "", false, "http"},
		{"XFP beats TLS", "http", "", true, "http"},
		{"newline injection rejected", "https\nX-Evil: 1", "", false, "http"},
		{"null byte rejected", "https\x00", "", false, "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody)
			if tt.proto != "" {
				req.Header["X-Forwarded-Proto"] = []string{tt.proto}
			}
			req.URL.Scheme = tt.scheme
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			} else {
				req.TLS = nil
			}

			if got := requestScheme(req); got != tt.want {
				t.Fatalf("requestScheme = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithLogger_BindsIdentityFields(t *testing.T) {
	rl := &recordingLogger{}

	var sawLogger bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = log.FromContext(r.Context()) == log.Logger(rl)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", http.NoBody)
	req.RemoteAddr = "10.0.4.7:52114"
	req.Header.Set("X-Forwarded-Proto", "https")
	req = req.WithContext(WithRequestID(req.Context(), "req-abc123"))

	WithLogger(rl)(handler).ServeHTTP(httptest.NewRecorder(), req)

	if !sawLogger {
		t.Fatal("request-scoped logger not stored in context")
	}

	want := map[string]any{
		"request_id":           "req-abc123",
		"http.request.method":  "POST",
		"url.path":             "/api/messages",
		"url.scheme":           "https",
		"network.peer.address": "10.0.4.7",
	}
	for k, v := range want {
		got, ok := rl.boundValue(k)
		if !ok {
			t.Fatalf("field %q not bound", k)
		}
		if got != v {
			t.Fatalf("field %q = %v, want %v", k, got, v)
		}
	}
}

func TestWithLogger_PeerAddrWithoutPortKept(t *testing.T) {
	rl := &recordingLogger{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.9"

	WithLogger(rl)(handler).ServeHTTP(httptest.NewRecorder(), req)

	got, ok := rl.boundValue("network.peer.address")
	if !ok {
		t.Fatal("peer address not bound")
	}
	if got != "203.0.113.9" {
		t.Fatalf("peer = %v, want unmodified address", got)
	}
}

func TestWithLogger_PrefersResolvedClientIP(t *testing.T) {
	rl := &recordingLogger{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/nearby", http.NoBody)
	req.RemoteAddr = "10.0.0.1:443" // the LB
	req = req.WithContext(WithClientIP(req.Context(), "198.51.100.23"))

	WithLogger(rl)(handler).ServeHTTP(httptest.NewRecorder(), req)

	got, ok := rl.boundValue("client.address")
	if !ok {
		t.Fatal("client.address not bound")
	}
	if got != "198.51.100.23" {
		t.Fatalf("client.address = %v, want resolved client IP", got)
	}
}

func TestWithLogger_OmitsHostAndQuery(t *testing.T) {
	rl := &recordingLogger{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// query carries search filters and token-bearing params
	req := httptest.NewRequest(http.MethodGet, "/api/search?age_min=25&token=secret123", http.NoBody)
	req.Host = "api.example.com"

	WithLogger(rl)(handler).ServeHTTP(httptest.NewRecorder(), req)

	for _, k := range []string{"server.address", "url.query", "url.full"} {
		if _, found := rl.boundValue(k); found {
			t.Fatalf("field %q must stay out of log bindings", k)
		}
	}
	if got, _ := rl.boundValue("url.path"); got != "/api/search" {
		t.Fatalf("url.path = %v, want bare path", got)
	}
}

func TestAccessLog_EmitsOneLine(t *testing.T) {
	rl := &recordingLogger{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m-1"}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"to":"u-2"}`))
	installLogger(rl, AccessLog(handler)).ServeHTTP(httptest.NewRecorder(), req)

	if rl.lineCount() != 1 {
		t.Fatalf("lines = %d, want 1", rl.lineCount())
	}
	line, _ := rl.lastLine()
	if line.msg != "request served" {
		t.Fatalf("msg = %q", line.msg)
	}

	if v, _ := kvValue(line.fields, "http.response.status_code"); v != http.StatusCreated {
		t.Fatalf("status field = %v, want 201", v)
	}
	if v, _ := kvValue(line.fields, "http.response.body.size"); v != int64(len(`{"id":"m-1"}`)) {
		t.Fatalf("response size = %v", v)
	}
	if v, _ := kvValue(line.fields, "http.request.body.size"); v != int64(len(`{"to":"u-2"}`)) {
		t.Fatalf("request size = %v", v)
	}
	d, ok := kvValue(line.fields, "http.server.request.duration")
	if !ok {
		t.Fatal("duration field missing")
	}
	if dur, isFloat := d.(float64); !isFloat || dur < 0 {
		t.Fatalf("duration = %v", d)
	}
}

func TestAccessLog_StatusDefaultsTo200(t *testing.T) {
	rl := &recordingLogger{}

	// handler writes nothing at all
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/api/profile", http.NoBody)
	installLogger(rl, AccessLog(handler)).ServeHTTP(httptest.NewRecorder(), req)

	line, ok := rl.lastLine()
	if !ok {
		t.Fatal("no line emitted")
	}
	if v, _ := kvValue(line.fields, "http.response.status_code"); v != http.StatusOK {
		t.Fatalf("status = %v, want 200", v)
	}
}

func TestAccessLog_SkipsProbeEndpoints(t *testing.T) {
	rl := &recordingLogger{}
	var sawWrapped bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawWrapped = w.(*captureWriter)
		w.WriteHeader(http.StatusOK)
	})
	wrapped := installLogger(rl, AccessLog(handler))

	for _, path := range []string{"/-/healthy", "/-/ready"} {
		wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if sawWrapped {
			t.Fatalf("probe %s went through the capture writer", path)
		}
	}
	if rl.lineCount() != 0 {
		t.Fatalf("probe endpoints logged %d lines, want 0", rl.lineCount())
	}

	// everything else is logged, including proxied app paths
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody))
	if rl.lineCount() != 1 {
		t.Fatalf("lines = %d, want 1", rl.lineCount())
	}
}

func TestAccessLog_FallsBackToNop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// without WithLogger the line goes to the nop fallback
	rec := httptest.NewRecorder()
	AccessLog(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAccessLog_RouteField(t *testing.T) {
	t.Run("chi pattern", func(t *testing.T) {
		rl := &recordingLogger{}

		r := chi.NewRouter()
		r.Use(func(next http.Handler) http.Handler { return installLogger(rl, next) })
		r.Use(AccessLog)
		r.Get("/profiles/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/profiles/42", http.NoBody)
		r.ServeHTTP(httptest.NewRecorder(), req)

		line, ok := rl.lastLine()
		if !ok {
			t.Fatal("no line emitted")
		}
		if v, _ := kvValue(line.fields, "http.route"); v != "/profiles/{id}" {
			t.Fatalf("http.route = %v, want pattern", v)
		}
	})

	t.Run("falls back to raw path", func(t *testing.T) {
		rl := &recordingLogger{}
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/api/photos/99", http.NoBody)
		installLogger(rl, AccessLog(handler)).ServeHTTP(httptest.NewRecorder(), req)

		line, _ := rl.lastLine()
		if v, _ := kvValue(line.fields, "http.route"); v != "/api/photos/99" {
			t.Fatalf("http.route = %v, want raw path", v)
		}
	})
}

func TestAccessLog_BudgetFieldFromHeader(t *testing.T) {
	rl := &recordingLogger{}

	// the rate limit middleware runs outside the router and stamps the
	// budget headers before any handler writes
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "17")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody)
	installLogger(rl, AccessLog(handler)).ServeHTTP(httptest.NewRecorder(), req)

	line, ok := rl.lastLine()
	if !ok {
		t.Fatal("no line emitted")
	}
	if v, ok := kvValue(line.fields, "ratelimit.remaining"); !ok || v != 17 {
		t.Fatalf("ratelimit.remaining = %v (present=%v), want 17", v, ok)
	}
}

func TestAccessLog_NoBudgetFieldWithoutHeader(t *testing.T) {
	rl := &recordingLogger{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody)
	installLogger(rl, AccessLog(handler)).ServeHTTP(httptest.NewRecorder(), req)

	line, _ := rl.lastLine()
	if _, found := kvValue(line.fields, "ratelimit.remaining"); found {
		t.Fatal("budget field present without limiter header")
	}
}

func TestWithHandler_TagsHandler(t *testing.T) {
	rl := &recordingLogger{}

	var handlerRan bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
		log.FromContext(r.Context()).Info(r.Context(), "inner")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/ratelimit/status", http.NoBody)
	installLogger(rl, WithHandler("ratelimit_status")(handler)).ServeHTTP(httptest.NewRecorder(), req)

	if !handlerRan {
		t.Fatal("next handler not called")
	}
	got, ok := rl.boundValue("handler")
	if !ok {
		t.Fatal("handler field not bound")
	}
	if got != "ratelimit_status" {
		t.Fatalf("handler = %v", got)
	}
}

func FuzzRequestScheme(f *testing.F) {
	f.Add("https")
	f.Add("http, https")
	f.Add("HTTPS\r\nSet-Cookie: x")
	f.Add("   ")
	f.Add("ftp")

	f.Fuzz(func(t *testing.T, proto string) {
		req := httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody)
		req.Header["X-Forwarded-Proto"] = []string{proto}

		got := requestScheme(req)
		if got != "http" && got != "https" {
			t.Fatalf("requestScheme leaked unvalidated value %q", got)
		}
	})
}

func FuzzAccessLog_ArbitraryPath(f *testing.F) {
	f.Add("/api/feed")
	f.Add("/-/ready")
	f.Add("/profiles/42/photos")
	f.Add("/%2e%2e/etc/passwd")

	f.Fuzz(func(t *testing.T, path string) {
		rl := &recordingLogger{}
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.URL.Path = path

		// arbitrary client paths must never panic the access log
		installLogger(rl, AccessLog(handler)).ServeHTTP(httptest.NewRecorder(), req)
	})
}
