// Package version reports the replayd build.
package version

import (
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X replay-buffer/internal/version.Version=v1.0.0" and
// likewise for Commit and Date.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Resolved is Version, or the module version recorded by `go install` when
// no version was stamped at link time.
func Resolved() string {
	if Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return Version
}

// Full is the one-line description printed by --version. Unknown fields
// are left out.
func Full() string {
	parts := []string{"replayd " + Resolved()}
	if Commit != "" {
		parts = append(parts, "commit "+Commit)
	}
	if Date != "" {
		parts = append(parts, "built "+Date)
	}
	return strings.Join(parts, ", ")
}
