package health

import (
	"cmp"
	"context"

	"github.com/loveledger/edge/internal/xerrors"
)

// Probe answers one question at evaluation time: can this thing serve?
// A nil return means yes; an error carries the reason it cannot.
type Probe interface {
	Check(ctx context.Context) error
}

// CheckFunc lets a plain function serve as a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Healthy is a probe that always passes. Liveness is wired to it
// directly: a process that can run the handler is alive.
var Healthy = CheckFunc(func(context.Context) error { return nil })

// Unhealthy returns a probe that always fails with the given reason.
func Unhealthy(reason string) CheckFunc {
	err := xerrors.New(cmp.Or(reason, "unhealthy"))
	return func(context.Context) error { return err }
}

// All combines probes with AND semantics and reports the first failure.
// Evaluation short-circuits, so order cheap probes before expensive ones.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any combines probes with OR semantics: one pass is enough, and
// evaluation stops there. When every probe fails, the last failure is
// the verdict. An empty or all-nil set fails, so a readiness endpoint
// wired to nothing never reports ready.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		err := xerrors.New("no probes configured")
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err = p.Check(ctx); err == nil {
				return nil
			}
		}
		return err
	}
}
