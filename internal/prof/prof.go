// Package prof pushes continuous profiles to a Pyroscope server. The
// edge runs hot on a small CPU budget, so mutex and block profiles ride
// along with the usual CPU and heap set.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/loveledger/edge/internal/log"
	"github.com/loveledger/edge/internal/xerrors"
)

type Options struct {
	Server        string // push target URL, empty turns profiling off
	App           string
	AuthToken     string
	Tenant        string // X-Scope-OrgID for multi-tenant backends
	Tags          map[string]string
	MutexFraction int // runtime.SetMutexProfileFraction, 0 leaves the default
	BlockRate     int // runtime.SetBlockProfileRate, 0 leaves the default
}

// everything pyroscope-go can capture; the collector downsamples
var allProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start begins pushing profiles to o.Server. The returned stop func is
// never nil and is safe to call whatever the outcome. Failures are
// returned, not logged; the caller decides how loud a missing profiler
// should be.
func Start(ctx context.Context, o Options) (func(), error) {
	lg := log.FromContext(ctx)

	if o.Server == "" {
		lg.Info(ctx, "profiling off")
		return func() {}, nil
	}

	// mutex and block sampling are process-wide runtime knobs, not
	// pyroscope ones
	if o.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(o.MutexFraction)
	}
	if o.BlockRate > 0 {
		runtime.SetBlockProfileRate(o.BlockRate)
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: o.App,
		ServerAddress:   o.Server,
		AuthToken:       o.AuthToken,
		TenantID:        o.Tenant,
		Tags:            o.Tags,
		ProfileTypes:    allProfiles,
	})
	if err != nil {
		return func() {}, xerrors.Wrap(err, "prof: start pyroscope")
	}

	lg.Info(ctx, "profiling started", "server", o.Server, "app", o.App)
	return func() {
		p.Stop()
		lg.Info(context.Background(), "profiling stopped", "app", o.App)
	}, nil
}
