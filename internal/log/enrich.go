package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// siteCarrier is satisfied by errors that record a single call-site PC.
type siteCarrier interface {
	PC() uintptr
}

// stackCarrier is satisfied by errors that carry a full captured stack.
type stackCarrier interface {
	StackPCs() []uintptr
}

// errorAttrs expands an error into the kv pairs Error() logs with it.
func errorAttrs(err error, p linkPolicy) []any {
	visible, cause := errorTypes(err)
	kv := []any{
		"err", err,
		"error_type", visible,
		"cause_type", cause,
	}
	if chain := chainMessages(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if p.include {
		kv = append(kv, "error_links", errorLinks(err, p.max))
	}
	return kv
}

// chainMessages flattens the Unwrap chain into messages, dropping
// consecutive duplicates so wrappers that add nothing stay quiet.
func chainMessages(err error) []string {
	var msgs []string
	push := func(m string) {
		if len(msgs) == 0 || msgs[len(msgs)-1] != m {
			msgs = append(msgs, m)
		}
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		push(e.Error())
	}

	// errors.Join produces a multi-unwrap instead of a linear chain
	type multi interface{ Unwrap() []error }
	if m, ok := err.(multi); ok {
		for _, e := range m.Unwrap() {
			push(e.Error())
		}
	}
	return msgs
}

// errorLinks resolves each chain entry to its wrap site when the error
// recorded one. Entries with no position are dropped past the first.
func errorLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth := 0; err != nil && (max <= 0 || depth < max); depth++ {
		fn, file, line, havePos := resolvePos(err)
		if depth == 0 || havePos {
			link := map[string]any{"msg": err.Error()}
			if havePos {
				link["func"], link["file"], link["line"] = fn, file, line
			}
			links = append(links, link)
		}
		err = errors.Unwrap(err)
	}
	return links
}

// resolvePos finds the source position an error recorded, preferring a
// single wrap-site PC over the top of a full stack.
func resolvePos(e error) (fn, file string, line int, ok bool) {
	if hp, isPC := e.(siteCarrier); isPC {
		return pcFrame(hp.PC())
	}
	if hs, isStack := e.(stackCarrier); isStack {
		return firstForeignFrame(hs.StackPCs())
	}
	return "", "", 0, false
}

func pcFrame(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

// firstForeignFrame walks a captured stack to the first frame outside the
// error and logging plumbing.
func firstForeignFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	if len(pcs) == 0 {
		return "", "", 0, false
	}
	frames := runtime.CallersFrames(pcs)
	for more := true; more; {
		var fr runtime.Frame
		fr, more = frames.Next()
		if loggingFrame(fr.Function) ||
			strings.HasPrefix(fr.Function, "runtime.") ||
			strings.Contains(fr.Function, "/internal/xerrors.") {
			continue
		}
		return fr.Function, fr.File, fr.Line, true
	}
	return "", "", 0, false
}

// errorTypes reports the first non-wrapper type in the chain and the
// type of the innermost cause. Both survive wrapping, which keeps
// error dashboards grouped by real type instead of by wrapper.
func errorTypes(err error) (visible, cause string) {
	if err == nil {
		return "", ""
	}

	visible = fmt.Sprintf("%T", err)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t := reflect.TypeOf(e); t != nil && !wrapperType(t) {
			visible = t.String()
			break
		}
	}

	last := err
	for e := errors.Unwrap(last); e != nil; e = errors.Unwrap(e) {
		last = e
	}
	return visible, fmt.Sprintf("%T", last)
}

// wrapperType reports whether a type only exists to wrap other errors.
func wrapperType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if strings.Contains(t.PkgPath(), "/internal/xerrors") {
		return true
	}
	return t.PkgPath() == "fmt" && t.Name() == "wrapError"
}
