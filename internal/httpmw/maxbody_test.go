package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// drainThrough posts body through MaxBody(limit) and reports what the
// handler's read saw.
func drainThrough(t *testing.T, limit int64, body string) (string, error) {
	t.Helper()
	var got []byte
	var readErr error
	h := MaxBody(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, readErr = io.ReadAll(r.Body)
		if readErr != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/photos", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), r)
	return string(got), readErr
}

func TestMaxBody(t *testing.T) {
	tests := []struct {
		name    string
		limit   int64
		body    string
		wantErr bool
	}{
		{"well under the cap", 1 << 10, `{"bio":"hikes on weekends"}`, false},
		{"exactly at the cap", 16, strings.Repeat("x", 16), false},
		{"one byte over", 16, strings.Repeat("x", 17), true},
		{"far over", 8, strings.Repeat("x", 4096), true},
		{"zero cap rejects any byte", 0, "a", true},
		{"zero cap passes an empty body", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := drainThrough(t, tt.limit, tt.body)

			if tt.wantErr {
				if err == nil {
					t.Fatal("oversized body read succeeded")
				}
				var mbe *http.MaxBytesError
				if !errors.As(err, &mbe) {
					t.Fatalf("read error is %T, want *http.MaxBytesError", err)
				}
				// the handler relays this limit in its 413 payload
				if mbe.Limit != tt.limit {
					t.Errorf("error reports limit %d, want %d", mbe.Limit, tt.limit)
				}
				return
			}

			if err != nil {
				t.Fatalf("read failed under the cap: %v", err)
			}
			if got != tt.body {
				t.Errorf("handler read %q, want %q", got, tt.body)
			}
		})
	}
}

func TestMaxBody_LeavesBodylessRequestsAlone(t *testing.T) {
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			t.Errorf("read: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feed", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

// Mirrors the production wiring: the cap sits in a middleware chain in
// front of a handler that streams the body.
func TestMaxBody_InChain(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		_, _ = w.Write(body)
	})
	h := Chain(echo, RequestID(""), MaxBody(10))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/swipes", strings.NewReader("ok")))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("small body: status = %d body = %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/swipes", strings.NewReader("a profile essay well past the cap")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: status = %d, want 413", w.Code)
	}
}
