// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// GitRelease is the release tag, e.g. v0.3.1.
	GitRelease = "dev"
	// GitCommit is the short commit hash.
	GitCommit = "unknown"
	// GitCommitDate is the commit timestamp.
	GitCommitDate = "unknown"
	// GoInfo describes the toolchain and platform.
	GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
)
