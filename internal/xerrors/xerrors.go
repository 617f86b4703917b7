// Package xerrors builds errors that remember where they happened.
// Constructors capture a full stack, wrappers record the single wrap
// site, and the log layer renders both into error_links and stack
// attributes. Everything stays compatible with errors.Is and errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// stackLimit caps captured frames. Request paths here run a dozen
// middleware deep at most.
const stackLimit = 64

// traced carries a root error plus the full stack of its creation site.
type traced struct {
	cause error
	stack []uintptr
}

func (t *traced) Error() string       { return t.cause.Error() }
func (t *traced) Unwrap() error       { return t.cause }
func (t *traced) StackPCs() []uintptr { return t.stack }

// attach snapshots the current stack onto err. skip counts the exported
// entry points between attach and the frame the stack should start at.
func attach(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, stackLimit)
	n := runtime.Callers(skip+2, pcs) // +2 drops Callers and attach itself
	return &traced{cause: err, stack: pcs[:n:n]}
}

// New returns an error carrying msg and the stack of its caller.
func New(msg string) error { return attach(errors.New(msg), 1) }

// Newf is New with fmt.Errorf formatting, %w included.
func Newf(format string, args ...any) error {
	return attach(fmt.Errorf(format, args...), 1)
}

// WithStack attaches the current stack to err without rewording it.
func WithStack(err error) error { return attach(err, 1) }

// Trace attaches a stack only when the chain has none yet, so the
// earliest capture wins no matter how many layers call it.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	var sc interface{ StackPCs() []uintptr }
	if errors.As(err, &sc) && len(sc.StackPCs()) > 0 {
		return err
	}
	return attach(err, 1)
}

// annotated prefixes a cause with context and remembers the wrap site.
type annotated struct {
	cause error
	msg   string
	site  uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error { return a.cause }
func (a *annotated) PC() uintptr   { return a.site }

// site resolves the program counter of the caller's caller.
func site(skip int) uintptr {
	var pc [1]uintptr
	if runtime.Callers(skip+2, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// Wrap adds context to err and records where. One PC is enough here;
// the root error already carries the full stack.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, site: site(1)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), site: site(1)}
}
