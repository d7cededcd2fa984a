// Package buildinfo carries the version stamped into vcld and vclctl.
package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String is the one-line form used in logs.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// VersionTemplate is the --version output for the named binary.
func VersionTemplate(binary string) string {
	return fmt.Sprintf("%s version %s\ncommit: %s\nbuilt: %s\n", binary, Version, Commit, Date)
}
