// Package version reports the build of the enact binary. The variables are
// set at build time with -ldflags "-X".
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("enact version %s (commit %s, built %s)", Version, Commit, BuildTime)
}

// Info is the structured form served on /health.
func Info() map[string]string {
	return map[string]string{"version": Version, "commit": Commit, "built": BuildTime}
}
