package ratelimit

import (
	"math"
	"time"
)

// windowState is the per-key counter pair behind the sliding window. All
// timestamps are unix milliseconds. Methods assume the owning shard's
// mutex is held; none of them are safe on their own.
type windowState struct {
	windowStart int64
	windowMs    int64
	count       int
	previous    int

	// denials tallies denied requests within the current window so the
	// first one can be logged and the rest stay quiet. Resets with the
	// window.
	denials int
}

// Result is the outcome of charging one request against a key. Deny is a
// value here, never an error; the error channel is reserved for the store
// itself failing.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Denials    int
}

// take charges one request and reports the decision.
//
// The decision compares the blended count before this request; the charge
// lands either way. Denied traffic keeps counting, so a client hammering
// past its budget keeps its own window full instead of sneaking extra
// requests through the blend as the previous window decays.
func (ws *windowState) take(p Preset, nowMs int64) Result {
	windowMs := p.Window.Milliseconds()
	ws.advance(nowMs, windowMs)

	eff := ws.effective(nowMs, windowMs)
	allowed := eff < float64(p.Limit)
	ws.count++
	if !allowed {
		ws.denials++
	}

	return ws.result(p, nowMs, allowed, eff+1)
}

// peek reports the decision state without charging a request. The value
// receiver is the point: expiry and shifting happen on a copy, the stored
// entry is untouched.
func (ws windowState) peek(p Preset, nowMs int64) Result {
	windowMs := p.Window.Milliseconds()
	ws.advance(nowMs, windowMs)

	eff := ws.effective(nowMs, windowMs)
	return ws.result(p, nowMs, eff < float64(p.Limit), eff)
}

// advance moves the window machinery up to nowMs. A fresh key, or one
// whose state is stale by more than a full previous window, resets
// completely; crossing exactly one window boundary shifts current into
// previous. More than one boundary means nothing from the past can shape
// the blend, which is the reset case again.
func (ws *windowState) advance(nowMs, windowMs int64) {
	switch {
	case ws.windowMs == 0 || nowMs-ws.windowStart > 2*windowMs:
		ws.windowStart = nowMs
		ws.windowMs = windowMs
		ws.count = 0
		ws.previous = 0
		ws.denials = 0
	case nowMs-ws.windowStart >= windowMs:
		ws.previous = ws.count
		ws.count = 0
		ws.windowStart += windowMs
		ws.windowMs = windowMs
		ws.denials = 0
	}
}

// effective blends the previous window into the current one by its
// remaining overlap: count + previous*(1-f) where f is the fraction of the
// current window elapsed. Negative elapsed (clock went backwards) counts
// as zero rather than producing f < 0.
func (ws *windowState) effective(nowMs, windowMs int64) float64 {
	elapsed := nowMs - ws.windowStart
	if elapsed < 0 {
		elapsed = 0
	}
	f := float64(elapsed) / float64(windowMs)
	if f > 1 {
		f = 1
	}
	return float64(ws.count) + float64(ws.previous)*(1-f)
}

// result assembles the client-visible accounting. projected is the
// effective count including the charge being reported on (take passes
// eff+1, peek passes eff untouched), so Remaining is what the client can
// still spend after this response.
func (ws *windowState) result(p Preset, nowMs int64, allowed bool, projected float64) Result {
	remaining := p.Limit - int(math.Ceil(projected))
	if remaining < 0 {
		remaining = 0
	}

	resetMs := ws.windowStart + ws.windowMs
	retryAfter := time.Duration(resetMs-nowMs) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}

	return Result{
		Allowed:    allowed,
		Limit:      p.Limit,
		Remaining:  remaining,
		ResetAt:    time.UnixMilli(resetMs),
		RetryAfter: retryAfter,
		Denials:    ws.denials,
	}
}

// stale reports whether the entry can be dropped without changing any
// future decision: once the previous window has fully aged out of the
// blend, the state is indistinguishable from a fresh key.
func (ws *windowState) stale(nowMs int64) bool {
	return nowMs-ws.windowStart > 2*ws.windowMs
}
