// Package buildinfo carries compile-time metadata stamped into the binary.
package buildinfo

// Overridden via -ldflags on release builds; the defaults identify local
// development binaries.
var (
	// Version is the release version or git describe output.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
