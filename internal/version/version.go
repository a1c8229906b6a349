// Package version provides build-time version information for paramctl.
package version

// version is set at build time via
// -ldflags "-X paramctl/internal/version.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version.
func String() string {
	return version
}
