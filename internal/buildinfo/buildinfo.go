// Package buildinfo reports the version cook was built from.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Set with -ldflags "-X github.com/agusx1211/letthemcook/internal/buildinfo.Version=...".
var (
	Version    = "0.1.0"
	CommitHash = ""
	BuildDate  = ""
)

const unknown = "unknown"

// Info is normalized build metadata for display.
type Info struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String renders the one-line form printed by "cook version".
func (i Info) String() string {
	return fmt.Sprintf("cook %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildDate)
}

// UserAgent identifies cook in outgoing HTTP requests.
func (i Info) UserAgent() string {
	return "cook/" + i.Version
}

type vcsInfo struct {
	revision string
	time     string
	dirty    bool
	module   string
}

func readVCS() vcsInfo {
	var v vcsInfo
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if bi.Main.Version != "(devel)" {
		v.module = bi.Main.Version
	}
	for _, s := range bi.Settings {
		val := strings.TrimSpace(s.Value)
		switch s.Key {
		case "vcs.revision":
			v.revision = val
		case "vcs.time":
			v.time = val
		case "vcs.modified":
			v.dirty = strings.EqualFold(val, "true")
		}
	}
	return v
}

// Current prefers linker overrides and falls back to the VCS stamps the Go
// toolchain embeds.
func Current() Info {
	vcs := readVCS()
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
	}
	if (info.Version == "" || info.Version == "0.1.0") && vcs.module != "" {
		info.Version = vcs.module
	}
	if info.CommitHash == "" && vcs.revision != "" {
		info.CommitHash = vcs.revision
		if vcs.dirty {
			info.CommitHash += "-dirty"
		}
	}
	if info.BuildDate == "" {
		info.BuildDate = vcs.time
	}
	if parsed, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = parsed.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	for _, f := range []*string{&info.Version, &info.CommitHash, &info.BuildDate} {
		if *f == "" {
			*f = unknown
		}
	}
	return info
}
