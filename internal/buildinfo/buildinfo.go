// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime info as a map, suitable for the
// version command's JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("Alto agent %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("alto-agent/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
