package version

import "fmt"

var (
	// Version is the version of proctorctl
	Version = "dev"
	// GitCommit is the git commit SHA
	GitCommit = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Info returns version information
func Info() string {
	return fmt.Sprintf("proctorctl version %s (commit: %s, built: %s)", Version, GitCommit, BuildTime)
}
