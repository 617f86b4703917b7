package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// UnknownAddr is the fixed fallback when no client address can be
// resolved at all. Address resolution never fails a request; callers that
// see this value are in a degraded mode and should count it.
const UnknownAddr = "0.0.0.0"

// ResolveClientIP resolves the address each request should be charged to
// and stores it in the context. hops is the number of reverse proxies
// between the client and this process: 0 ignores X-Forwarded-For
// entirely, 1 takes its rightmost entry (single LB), 2 the entry before
// that (CDN plus LB), and so on. The admission layer keys budgets on the
// resolved value, so this must sit before the rate limiter in the chain.
func ResolveClientIP(hops int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), resolveAddr(r, hops))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveAddr picks the address a budget is charged to. Forwarded
// headers count only when the direct peer is our own infrastructure and
// a hop count is configured; anything else would let a client choose
// its own rate-limit identity with a forged header. Untrusted forward
// headers are stripped so nothing downstream trusts them either.
func resolveAddr(r *http.Request, hops int) string {
	// net/http always fills RemoteAddr, but resolution must not fail
	if r.RemoteAddr == "" {
		return UnknownAddr
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// unix socket peers carry no port
		return r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return UnknownAddr
	}

	if !peer.IsPrivate() || hops <= 0 {
		dropForwardHeaders(r)
		return host
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}

	// Count proxies from the right end of the chain. Fewer entries than
	// configured proxies means misconfiguration or manipulation: fail
	// closed and charge the direct peer.
	entries := strings.Split(xff, ",")
	i := len(entries) - hops
	if i < 0 {
		dropForwardHeaders(r)
		return host
	}
	if c := strings.TrimSpace(entries[i]); net.ParseIP(c) != nil {
		return c
	}
	return host
}

func dropForwardHeaders(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
