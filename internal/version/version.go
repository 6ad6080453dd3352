package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set at build time using ldflags.
// Example:
//
//	go build -ldflags "-X github.com/keanucz/m3ufetch/internal/version.Version=v1.0.0 \
//	  -X github.com/keanucz/m3ufetch/internal/version.Commit=abc123 \
//	  -X github.com/keanucz/m3ufetch/internal/version.Date=2025-01-01T00:00:00Z"
var (
	// Version is the semantic version (e.g., v1.0.0)
	Version = "dev"
	// Commit is the git commit SHA
	Commit = "unknown"
	// Date is the build date
	Date = "unknown"
)

// Name is the program name used in banners and version output.
const Name = "m3ufetch"

func init() {
	// go install builds carry no ldflags; fall back to the module version.
	if Version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
}

// Info returns a formatted version string with all build information.
func Info() string {
	return fmt.Sprintf("%s\nVersion:    %s\nCommit:     %s\nBuilt:      %s\nGo version: %s\nOS/Arch:    %s/%s",
		Name,
		Version,
		Commit,
		Date,
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH,
	)
}

// Short returns a short version string.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
