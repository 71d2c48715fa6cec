// Package version reports build information for the ARCAL receiver tools
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X arcal-receiver/internal/version.Version=..."
var (
	Version   = "0.1.0"
	GitCommit = ""
	BuildDate = ""
)

// Info is the resolved build information
type Info struct {
	Version   string
	Commit    string
	Modified  bool
	BuildDate string
	GoVersion string
	Platform  string
}

// Get resolves build information. Values not set by ldflags are taken from the
// VCS stamp the Go toolchain embeds, when present.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	return info
}

// Short returns the version with an abbreviated commit, e.g. "0.1.0-1a2b3c4"
func (i Info) Short() string {
	if i.Commit == "" {
		return i.Version
	}
	commit := i.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if i.Modified {
		commit += "-dirty"
	}
	return i.Version + "-" + commit
}

// String formats the information for a --version flag
func (i Info) String(appName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", appName, i.Short())
	if i.BuildDate != "" {
		fmt.Fprintf(&b, "\nBuilt: %s", i.BuildDate)
	}
	fmt.Fprintf(&b, "\nGo: %s\nPlatform: %s", i.GoVersion, i.Platform)
	return b.String()
}
