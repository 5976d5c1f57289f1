// Package buildinfo provides build and runtime identity for the server.
//
// Build values are injected via ldflags:
//
//	go build -ldflags "-X github.com/blackbird-ai/incubator-kvrocks/internal/infra/buildinfo.Version=v1.0.0"
package buildinfo

import (
	"os"
	"runtime"
	"strconv"
)

// Build-time variables (set via ldflags).
var (
	// Version is the semantic version.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info is the identity block the INFO command's "# Server" section and
// the startup log report.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	PID       int    `json:"process_id"`
}

// Get returns the build information together with the runtime facts
// clients expect from an INFO reply.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		PID:       os.Getpid(),
	}
}

// Fields returns the "# Server" section fields in render order. The
// command engine prints them verbatim as "name:value" lines.
func (i Info) Fields() [][2]string {
	return [][2]string{
		{"version", i.Version},
		{"git_sha1", i.Commit},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
		{"process_id", strconv.Itoa(i.PID)},
	}
}

// String returns a formatted version string for logs and --version.
func String() string {
	return Version + " @" + Commit
}
