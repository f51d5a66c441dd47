// Package version implements the version router (spec §4.12): an actor
// that tracks the latest available release and drives downloading /
// verifying an upgrade installer, grounded on internal/update's
// GitHub-release checker and downloader.
package version

// StateTag identifies which variant of State is active.
type StateTag int

const (
	StateNoVersion StateTag = iota
	StateHasVersion
	StateDownloading
	StateDownloaded
)

func (t StateTag) String() string {
	switch t {
	case StateNoVersion:
		return "no_version"
	case StateHasVersion:
		return "has_version"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	default:
		return "unknown"
	}
}

// Cache is the most recent version-check result, consumed off the
// upstream channel (internal/update.Checker's results).
type Cache struct {
	CurrentVersion   string
	SuggestedUpgrade string
	ReleaseNotes     string
	AssetURL         string
	AssetSize        int64
}

// SuggestsSameUpgrade reports whether two caches suggest the same upgrade
// target, used to decide whether an in-flight download must be abandoned.
func (c Cache) SuggestsSameUpgrade(other Cache) bool {
	return c.SuggestedUpgrade == other.SuggestedUpgrade
}

// State is the tagged variant the version router owns (spec §4.12's four
// named variants), expressed as tag + fields rather than separate types so
// the router can hold a single State value.
type State struct {
	Tag StateTag

	Cache Cache // HasVersion, Downloading, Downloaded

	// Downloading
	TargetVersion string

	// Downloaded
	VerifiedInstallerPath string
}

func NoVersion() State { return State{Tag: StateNoVersion} }

func HasVersion(cache Cache) State { return State{Tag: StateHasVersion, Cache: cache} }

func Downloading(cache Cache, targetVersion string) State {
	return State{Tag: StateDownloading, Cache: cache, TargetVersion: targetVersion}
}

func Downloaded(cache Cache, verifiedInstallerPath string) State {
	return State{Tag: StateDownloaded, Cache: cache, VerifiedInstallerPath: verifiedInstallerPath}
}
