package ratelimit

import (
	"net/http"
	"strings"

	"github.com/loveledger/edge/internal/httpmw"
)

// ClientKey builds the counter key for a request:
//
//	address:path         for GET
//	address:path:METHOD  for everything else
//
// GET budgets are method-less so the read path stays one budget per
// endpoint; writes are charged separately because a POST to a path is a
// different cost than reading it. The query string never participates, so
// pagination and cache busters cannot fragment a client's budget.
//
// Segments are sanitized (':' becomes '_') to keep the delimiter and any
// store key prefix unambiguous; IPv6 literals are the usual offender.
//
// The second return reports whether a real client address backed the key.
// When resolution failed entirely, every such request shares the fixed
// fallback identity and one budget, which keeps the degraded mode strict
// rather than unlimited. Callers should count those.
func ClientKey(r *http.Request) (string, bool) {
	id, resolved := clientIdentity(r)
	return composeKey(id, r.URL.Path, r.Method), resolved
}

// clientIdentity resolves the sanitized address segment for the caller.
func clientIdentity(r *http.Request) (string, bool) {
	addr := httpmw.ClientIPFromContext(r.Context())
	if addr == "" {
		addr = httpmw.UnknownAddr
	}
	return sanitizeSegment(addr), addr != httpmw.UnknownAddr
}

func composeKey(identity, path, method string) string {
	var b strings.Builder
	b.Grow(len(identity) + len(path) + len(method) + 2)
	b.WriteString(identity)
	b.WriteByte(':')
	b.WriteString(sanitizeSegment(path))
	if method != http.MethodGet {
		b.WriteByte(':')
		b.WriteString(method)
	}
	return b.String()
}

func sanitizeSegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
