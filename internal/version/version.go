// SPDX-License-Identifier: MIT

// Package version carries build identity set through ldflags.
package version

var (
	// Version is the current application version.
	// It is populated by the build system (ldflags).
	Version = "v0.1.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the build identity for --version output.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
