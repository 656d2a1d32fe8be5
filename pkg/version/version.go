// Package version carries the build version, overridable at link time.
package version

// Version is set via -ldflags "-X github.com/parley-ai/parley/pkg/version.Version=...".
var Version = "0.1.0-dev"
