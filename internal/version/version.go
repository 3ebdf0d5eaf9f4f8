// Package version holds build metadata of the tokenguard binaries, injected via
// -ldflags "-X github.com/kailas-cloud/tokenguard/internal/version.Version=...".
package version

import "fmt"

//nolint:revive // Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the build for --version output and startup logs.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
