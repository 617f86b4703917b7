package health

import (
	"cmp"
	"context"
	"sync/atomic"

	"github.com/loveledger/edge/internal/xerrors"
)

// Gate fails readiness on demand. Shutdown flips it before the
// listener closes, which gives the load balancer a full probe interval
// to pull the instance while in-flight requests drain.
//
// The zero Gate is open. A nil stored reason means open; keeping both
// facts in one pointer makes Fail a single atomic step.
type Gate struct {
	reason atomic.Pointer[string]
}

// Fail closes the gate. The reason shows up verbatim in the readiness
// response body.
func (g *Gate) Fail(reason string) { g.reason.Store(&reason) }

// Clear reopens the gate.
func (g *Gate) Clear() { g.reason.Store(nil) }

// Probe returns a live view of the gate, not a snapshot.
func (g *Gate) Probe() CheckFunc {
	return func(context.Context) error {
		p := g.reason.Load()
		if p == nil {
			return nil
		}
		return xerrors.New(cmp.Or(*p, "draining"))
	}
}
