// Package version reports the build identity of the hub and spoke binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set at build time:
//
//	go build -ldflags "-X spokehub/internal/version.Version=v1.2.0"
var Version = "dev"

// Info describes one build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get collects build info, filling the commit from VCS stamps when the
// binary carries them.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	return info
}

func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return fmt.Sprintf("%s (%s)", i.Version, i.GoVersion)
	}
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s %s (%s)", i.Version, commit, i.GoVersion)
}
