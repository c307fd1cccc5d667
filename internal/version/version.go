// Package version holds the build metadata injected with -ldflags -X.
package version

import "fmt"

// Set via ldflags, for example:
//
//	-X github.com/fclairamb/kbsync/internal/version.Version=v1.2.0
var (
	Version = "dev"
	Commit  = "unknown"
	GitTime = "unknown" // commit timestamp, ISO 8601 UTC
)

// String returns the version line printed by kbsync --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, %s)", Version, Commit, GitTime)
}
