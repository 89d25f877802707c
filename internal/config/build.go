package config

// Linker-injected build metadata variables. Set at compile time via -ldflags:
//
//	go build -ldflags "-X chatgate/internal/config.version=1.2.3 \
//	    -X chatgate/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X chatgate/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Default values apply during local development when ldflags are not set.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
// Called once during initialization to populate Config.Build.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
