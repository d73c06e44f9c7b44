package version

import (
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

const agentPrefix = "peersync/"

// EmptyValue is the value we use when running a version that wasn't compiled
// by `make`. This is helpful for telling when we're running in a unit test.
const EmptyValue = "set-by-make"

// Version is the latest tag on git for releases. On non-release commits, it may
// include additional information such as the most recent commit hash.
var Version = EmptyValue

// IsRelease returns whether the binary was built with a version stamped in.
func IsRelease() bool {
	return Version != EmptyValue
}

// UserAgent identifies this build in mDNS announcements and logs.
func UserAgent() string {
	return fmt.Sprintf("%s%s", agentPrefix, Version)
}

// CompareAgent compares the version in a peer's user agent, such as
// "peersync/0.3.0", with our own. It returns a negative number if the peer is
// older, zero if they're the same, and a positive number if the peer is
// newer. The boolean is false if either version can't be parsed, for example
// because it's a development build.
func CompareAgent(agent string) (int, bool) {
	peerVersionStr := strings.TrimPrefix(agent, agentPrefix)
	if peerVersionStr == agent {
		return 0, false
	}

	ownVersion, err := goversion.NewVersion(Version)
	if err != nil {
		return 0, false
	}

	peerVersion, err := goversion.NewVersion(peerVersionStr)
	if err != nil {
		return 0, false
	}
	return peerVersion.Compare(ownVersion), true
}
