// Package version carries build identification set through -ldflags:
//
//	go build -ldflags "-X git.home.luguber.info/inful/docfleet/internal/version.Version=v0.3.0"
package version

var (
	Version   = "dev"
	GitCommit = ""
)

// String is the version as printed by --version.
func String() string {
	if GitCommit == "" {
		return Version
	}
	short := GitCommit
	if len(short) > 12 {
		short = short[:12]
	}
	return Version + " (" + short + ")"
}
