// Package limiterhttp exposes the rate limit introspection endpoint.
//
// Clients (and support) use it to see how a path is classified and how
// much budget the caller has left, without spending any of it.
package limiterhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loveledger/edge/internal/httpmw"
	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/ratelimit"
)

// LimitPeeker is the view of the limiter the API needs.
type LimitPeeker interface {
	PeekPath(r *http.Request, path, method string) (ratelimit.Decision, bool)
}

// API serves the introspection endpoints over a limiter's read-only view.
type API struct {
	limiter LimitPeeker
	logger  log.Logger
}

// NewAPI binds the endpoints to a limiter. A nil logger is replaced with
// the no-op one.
func NewAPI(limiter LimitPeeker, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterRoutes mounts the endpoints on the edge router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.WithHandler("ratelimit_status")).Get("/api/ratelimit/status", a.HandleStatus)
}

// PresetInfo describes one class budget.
type PresetInfo struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// UsageInfo is the caller's live budget for the queried path.
type UsageInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// StatusResponse reports how a path classifies and, when the store
// supports peeking, where the caller stands against that budget.
type StatusResponse struct {
	ServerTime time.Time       `json:"server_time"`
	Path       string          `json:"path"`
	Method     string          `json:"method"`
	Class      ratelimit.Class `json:"class"`
	Budget     PresetInfo      `json:"budget"`

	// Usage is omitted when the store has no read-only view.
	Usage *UsageInfo `json:"usage,omitempty"`

	Presets map[string]PresetInfo `json:"presets"`
}

// HandleStatus serves the classification and budget for the caller's own
// path, or for an explicit ?path= (optionally ?method=, default GET).
// Looking never charges the budget.
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target := r.URL.Query().Get("path")
	if target == "" {
		target = r.URL.Path
	}
	if !strings.HasPrefix(target, "/") {
		a.respond(ctx, w, http.StatusBadRequest, map[string]string{"error": "path must be absolute"})
		return
	}
	method := strings.ToUpper(r.URL.Query().Get("method"))
	if method == "" {
		method = http.MethodGet
	}

	class, preset := ratelimit.PresetFor(target)
	now := time.Now().UTC().Truncate(time.Second)

	resp := StatusResponse{
		ServerTime: now,
		Path:       target,
		Method:     method,
		Class:      class,
		Budget:     presetInfo(preset),
		Presets:    presetTable(),
	}

	if d, ok := a.limiter.PeekPath(r, target, method); ok {
		resp.Usage = &UsageInfo{
			Limit:     d.Limit,
			Remaining: d.Remaining,
			ResetAt:   d.ResetAt.UTC().Truncate(time.Second),
		}
	}

	a.logger.Debug(ctx, "served rate limit status",
		"class", string(class),
		"path", target,
	)

	a.respond(ctx, w, http.StatusOK, resp)
}

func presetInfo(p ratelimit.Preset) PresetInfo {
	return PresetInfo{
		Limit:         p.Limit,
		WindowSeconds: int(p.Window / time.Second),
	}
}

func presetTable() map[string]PresetInfo {
	out := make(map[string]PresetInfo)
	for class, p := range ratelimit.Presets() {
		out[string(class)] = presetInfo(p)
	}
	return out
}

// respond writes v as JSON. Budget numbers go stale the moment they are
// read, so caching is forbidden outright. Encode failures are logged and
// swallowed; the status line is already on the wire.
func (a *API) respond(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn(ctx, "status response encode failed", "error", err)
	}
}
