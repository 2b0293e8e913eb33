// Package version provides build-time version information.
package version

import "fmt"

// Set via -ldflags at build time, e.g.
// -X github.com/GoCodeAlone/courier/internal/version.Version=v0.3.0
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String formats the version line printed by both binaries.
func String(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, BuildDate)
}
