package ratelimit

import (
	"strings"
	"time"

	"github.com/loveledger/edge/internal/xerrors"
)

// Class names the admission budget a request falls under. It is the
// low-cardinality label used on metrics and logs.
type Class string

const (
	ClassAuth   Class = "auth"
	ClassSearch Class = "search"
	ClassUpload Class = "upload"
	ClassAPI    Class = "api"
	ClassRead   Class = "read"
)

// Preset is one admission budget: a rolling window and how many requests a
// single client key may spend inside it.
type Preset struct {
	Window time.Duration
	Limit  int
}

// The preset table is deliberately compiled in. Budgets are product
// decisions that ship with a release; they are not operator tunables and
// have no flag or env surface.
var presets = map[Class]Preset{
	ClassAuth:   {Window: time.Minute, Limit: 10},
	ClassSearch: {Window: time.Minute, Limit: 30},
	ClassUpload: {Window: time.Minute, Limit: 20},
	ClassAPI:    {Window: time.Minute, Limit: 60},
	ClassRead:   {Window: time.Minute, Limit: 120},
}

// PresetFor classifies a request path. First match wins, so the auth
// prefix beats the search and upload substrings: /api/auth/search is auth,
// not search. The query string never participates.
func PresetFor(path string) (Class, Preset) {
	switch {
	case strings.HasPrefix(path, "/api/auth"):
		return ClassAuth, presets[ClassAuth]
	case strings.Contains(path, "/search"), strings.Contains(path, "/nearby"):
		return ClassSearch, presets[ClassSearch]
	case strings.Contains(path, "/upload"), strings.Contains(path, "/photo"):
		return ClassUpload, presets[ClassUpload]
	case strings.HasPrefix(path, "/api"):
		return ClassAPI, presets[ClassAPI]
	default:
		return ClassRead, presets[ClassRead]
	}
}

// Presets returns a copy of the table for read-only introspection.
func Presets() map[Class]Preset {
	out := make(map[Class]Preset, len(presets))
	for c, p := range presets {
		out[c] = p
	}
	return out
}

// validatePresets rejects impossible budgets once at startup so a bad edit
// to the table can never become a per-request failure. A zero Limit is
// legal and means the class is closed (every request denied).
func validatePresets() error {
	for c, p := range presets {
		if p.Window <= 0 {
			return xerrors.Newf("ratelimit: preset %s: window must be positive, got %s", c, p.Window)
		}
		if p.Limit < 0 {
			return xerrors.Newf("ratelimit: preset %s: limit must not be negative, got %d", c, p.Limit)
		}
	}
	return nil
}
