// Package version holds build metadata for adocheck.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time:
// go build -ldflags "-X github.com/hasko/adocheck/internal/version.Version=0.4.0 -X github.com/hasko/adocheck/internal/version.Commit=abc123"
var (
	Version   = "0.4.0"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns the version with an abbreviated commit when one is known.
func Short() string {
	if Commit != "unknown" && len(Commit) > 7 {
		return Version + "+" + Commit[:7]
	}
	return Version
}

// UserAgent is sent with every repository request.
func UserAgent() string {
	return fmt.Sprintf("adocheck/%s (%s/%s)", Short(), runtime.GOOS, runtime.GOARCH)
}

// Full returns complete version information
func Full() string {
	return "adocheck " + Version + "\n" +
		"commit: " + Commit + "\n" +
		"built:  " + BuildDate + "\n" +
		"go:     " + runtime.Version()
}
