package build

import (
	"fmt"
	"runtime"
)

const (
	// appMajor defines the major version of this binary.
	appMajor uint = 0

	// appMinor defines the minor version of this binary.
	appMinor uint = 1

	// appPatch defines the application patch for this binary.
	appPatch uint = 0
)

// GoVersion is the Go toolchain the binary was built with.
var GoVersion = runtime.Version()

// Version returns the application version as a properly formed string.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}
