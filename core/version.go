package core

// Build metadata, injected at link time:
//
//	go build -ldflags "-X mlpipeline/core.Version=$(git describe --tags --always) \
//	    -X mlpipeline/core.GitCommit=$(git rev-parse --short HEAD) \
//	    -X mlpipeline/core.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" .
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo returns "version (built time, commit hash)".
func VersionInfo() string {
	return Version + " (built " + BuildTime + ", commit " + GitCommit + ")"
}
