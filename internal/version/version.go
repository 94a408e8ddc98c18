// Package version holds the build-time version string for the job
// dispatch core.
package version

// Number is the build's version string, set during the build process
// with -ldflags; "dev" is the value in a local build.
var Number = "dev"
