package version

import "fmt"

// Build-time variables set via -ldflags
var (
	// Version is the semantic version of the build
	Version = "dev"

	// GitCommit is the git commit hash of the build
	GitCommit = "unknown"

	// BuildTime is when the binary was built
	BuildTime = "unknown"
)

// String returns a human-readable version string
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}
