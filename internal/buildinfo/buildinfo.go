// Package buildinfo holds version information injected at build time via ldflags.
package buildinfo

import "fmt"

// Overridden at release build time:
//
//	go build -ldflags "-X github.com/stb13579/fleetd/internal/buildinfo.Version=1.0.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String renders the full build identity for --version output and the
// startup log line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
