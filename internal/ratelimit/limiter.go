package ratelimit

import (
	"context"
	"net/http"
	"time"
)

// Decision is what the middleware shapes a response from.
type Decision struct {
	Result
	Class Class
	Key   string

	// Degraded marks a decision made without the store (store failure,
	// admitted fail-open). Budget headers are suppressed on degraded
	// decisions because remaining/reset would be fabricated.
	Degraded bool
}

// Limiter holds the store handle and the clock. Construct once at startup
// and share the handle; it keeps no package-level state.
type Limiter struct {
	store Store
	now   func() time.Time
	hooks Hooks
}

// Hooks are the limiter's observation points. Any field may be nil.
type Hooks struct {
	// Denied fires for every denied request.
	Denied func(Class)

	// FirstDenied fires only for a key's first denial in each window,
	// so the caller can log once per offender while counting every
	// denial through Denied.
	FirstDenied func(Class, string)

	// Unresolvable fires when the client address could not be resolved
	// and the request was charged to the shared fallback identity.
	Unresolvable func()

	// StoreError fires on store failures (redis down, script error).
	// The request is admitted anyway: denying all traffic because the
	// counter backend hiccuped is a worse failure than briefly not
	// counting.
	StoreError func(error)
}

type Option func(*Limiter)

// WithStore swaps the default in-process memory store, e.g. for RedisStore
// when several edge instances must share budgets.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock injects the time source. Tests use this to step through
// windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithHooks installs the limiter's observation callbacks.
func WithHooks(h Hooks) Option {
	return func(l *Limiter) { l.hooks = h }
}

// New validates the preset table and builds a limiter. Misconfigured
// presets surface here, at startup, never per request. When no store is
// supplied a memory store is created with its janitor bound to ctx.
func New(ctx context.Context, opts ...Option) (*Limiter, error) {
	if err := validatePresets(); err != nil {
		return nil, err
	}
	l := &Limiter{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore(ctx)
	}
	return l, nil
}

// Store returns the handle the limiter charges against, for consumers that
// also want to peek at it (the introspection endpoint).
func (l *Limiter) Store() Store {
	return l.store
}

// PeekPath reports the caller's current budget for the given path and
// method without charging it. ok is false when the store has no
// read-only view (the redis store does everything in one script).
func (l *Limiter) PeekPath(r *http.Request, path, method string) (Decision, bool) {
	peeker, ok := l.store.(Peeker)
	if !ok {
		return Decision{}, false
	}
	id, _ := clientIdentity(r)
	key := composeKey(id, path, method)
	class, preset := PresetFor(path)
	res := peeker.Peek(key, preset, l.now())
	return Decision{Result: res, Class: class, Key: key}, true
}

// Allow charges the request against its budget and returns the decision.
// Hooks run after the store has released its locks; they may do slow work.
func (l *Limiter) Allow(r *http.Request) Decision {
	key, resolved := ClientKey(r)
	if !resolved && l.hooks.Unresolvable != nil {
		l.hooks.Unresolvable()
	}
	class, preset := PresetFor(r.URL.Path)

	res, err := l.store.Take(r.Context(), key, preset, l.now())
	if err != nil {
		if l.hooks.StoreError != nil {
			l.hooks.StoreError(err)
		}
		return Decision{
			Result:   Result{Allowed: true, Limit: preset.Limit},
			Class:    class,
			Key:      key,
			Degraded: true,
		}
	}

	if !res.Allowed {
		if l.hooks.Denied != nil {
			l.hooks.Denied(class)
		}
		if res.Denials == 1 && l.hooks.FirstDenied != nil {
			l.hooks.FirstDenied(class, key)
		}
	}

	return Decision{Result: res, Class: class, Key: key}
}
