// Package version contains Prism version information.
package version

import (
	"fmt"
	"runtime"
)

// These are set by the linker.  Unfortunately we cannot set constants during
// linking, and Go doesn't have a concept of immutable variables, so to be
// thorough we have to only export them through getters.
var (
	version    string
	committime string
)

// vFmtFull defines the format of full version output.
const vFmtFull = "Prism, version %s"

// Full returns the full current version of Prism.
func Full() (v string) {
	if version == "" {
		return fmt.Sprintf(vFmtFull, "unknown")
	}

	return fmt.Sprintf(vFmtFull, version)
}

// Version returns the Prism version.  It is set by the linker; an empty
// string means a development build.
func Version() (v string) {
	return version
}

// CommitTime returns the commit time of the current Prism build.
func CommitTime() (v string) {
	return committime
}

// Verbose returns a multi-line description of the build, one "key: value"
// pair per line.
func Verbose() (v string) {
	return fmt.Sprintf(
		"Prism\nversion: %s\ncommit time: %s\ngo version: %s\nos/arch: %s/%s\n",
		version,
		committime,
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH,
	)
}
