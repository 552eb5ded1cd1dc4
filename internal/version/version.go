// Package version holds build metadata, set at link time:
//
//	go build -ldflags "-X github.com/banshee-data/rover/internal/version.Version=1.2.0 ..." ./cmd/rover
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String describes the build in one line for the startup log.
func String() string {
	return fmt.Sprintf("rover %s (%s, built %s)", Version, GitSHA, BuildTime)
}
