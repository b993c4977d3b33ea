package fallbackdir

import (
	"fmt"
	"strings"
)

// semanticAlphabet is the set of characters that are permitted for use in a
// pre-release suffix.
const semanticAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz-"

const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease MUST only contain characters from semanticAlphabet
	// per the semantic versioning spec.
	appPreRelease = "beta"
)

// Version returns the application version as a properly formed string per
// the semantic versioning 2.0.0 spec (http://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)

	if appPreRelease != "" {
		for _, r := range appPreRelease {
			if !strings.ContainsRune(semanticAlphabet, r) {
				return version
			}
		}
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}
