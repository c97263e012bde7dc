// Package buildinfo holds version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/nugget/thane-toolloop/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build describes the running binary. It is served by GET /v1/version
// and printed by the version command.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current returns the metadata of this process.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Fields returns name/value pairs in display order, without uptime.
func (b Build) Fields() [][2]string {
	return [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
	}
}

// LogAttrs returns the startup banner attributes.
func (b Build) LogAttrs() []any {
	return []any{"version", b.Version, "commit", b.GitCommit, "built", b.BuildTime, "go", b.GoVersion}
}

// Uptime is the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "toolloop/" + Version
}

// String is a one-line summary.
func String() string {
	return fmt.Sprintf("toolloop %s (%s) built %s", Version, GitCommit, BuildTime)
}
