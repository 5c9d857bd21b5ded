// Package version formats the build identification string printed by
// --version, replacing the teacher's perforce/p4prometheus version helper
// (no Perforce-exporter concern applies here) with the same kind of
// ldflags-plus-buildinfo formatting.
package version

import (
	"fmt"
	"runtime/debug"
)

// Set via -ldflags "-X github.com/notmuch-tools/notmuch-sync/internal/version.Version=..."
// at release build time. Left empty for `go build` during development.
var (
	Version = ""
	Commit  = ""
	Built   = ""
)

// Print formats "name, version, commit, built" the way kingpin's
// --version handler expects a single string, falling back to
// runtime/debug.ReadBuildInfo() when the ldflags variables were not set
// (e.g. a plain `go install`).
func Print(name string) string {
	v, c, b := Version, Commit, Built
	if v == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			v = info.Main.Version
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					if c == "" {
						c = s.Value
					}
				case "vcs.time":
					if b == "" {
						b = s.Value
					}
				}
			}
		}
	}
	if v == "" {
		v = "(devel)"
	}
	if c == "" {
		c = "unknown"
	}
	if b == "" {
		b = "unknown"
	}
	return fmt.Sprintf("%s, version %s, commit %s, built %s", name, v, c, b)
}
