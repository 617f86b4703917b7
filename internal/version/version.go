// Package version carries the build identity stamped into the edge
// binary. Release builds override the vars below through the linker;
// everything else is backfilled from the binary's own VCS metadata.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Overridden with -ldflags "-X github.com/loveledger/edge/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildID   string
	BuildDate string
)

// Info is the assembled identity handed to logging, metrics, and the
// response headers.
type Info struct {
	Version    string
	Commit     string
	CommitDate string
	BuildDate  string
	BuildID    string
	GoVersion  string

	// VCSDirty is nil when the binary was built outside a checkout.
	VCSDirty *bool
}

// EdgeVersion feeds the X-Edge-Version response header.
func (i Info) EdgeVersion() string { return i.Version }

// EdgeCommit feeds the X-Edge-Commit response header.
func (i Info) EdgeCommit() string { return i.Commit }

// Short is the one-line form used in the startup log.
func (i Info) Short() string {
	c := i.Commit
	if len(c) > 12 {
		c = c[:12]
	}
	return fmt.Sprintf("%s (%s)", i.Version, c)
}

// Get assembles the identity, preferring stamped values and filling
// gaps from debug.ReadBuildInfo.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildID:   BuildID,
		BuildDate: BuildDate,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" && s.Value != "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			info.CommitDate = s.Value
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			if dirty, err := strconv.ParseBool(s.Value); err == nil {
				info.VCSDirty = &dirty
			}
		}
	}
	return info
}
