// Package build exposes the bridge's build-time version string, following
// the teacher's ldflags-stamped package-variable convention.
package build

import "fmt"

var (
	// version is set with ldflags at build time, e.g.
	// -ldflags="-X github.com/storacha/go-orbitdb-bridge/pkg/build.version=v1.2.3".
	version string

	// Version is the resolved version string, falling back to defaultVersion
	// in development builds where ldflags were not supplied.
	Version string

	// UserAgent is sent as the User-Agent header on outbound gateway
	// requests (pkg/remotestore).
	UserAgent string
)

const defaultVersion = "v0.0.0-dev"

func init() {
	if version == "" {
		version = defaultVersion
	}
	Version = version
	UserAgent = fmt.Sprintf("go-orbitdb-bridge/%s", Version)
}
