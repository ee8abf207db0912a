// Package version defines meshclient version information and build metadata.
//
// CommitHash should be set using -ldflags during compilation.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// CommitHash stores the git commit hash of this build.
var CommitHash string

// semanticAlphabet is the set of characters allowed in SemVer pre-release
// and build metadata strings.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

const (
	appMajor uint = 0
	appMinor uint = 4
	appPatch uint = 0

	// appPreRelease MUST only contain characters from semanticAlphabet.
	appPreRelease = ""
)

// Version returns the SemVer 2.0.0 version string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if pre := normalize(appPreRelease); pre != "" {
		version += "-" + pre
	}
	return version
}

// RichVersion returns the version with the commit hash, when known.
func RichVersion() string {
	hash := normalize(strings.TrimSpace(CommitHash))
	if hash == "" {
		return Version()
	}
	return fmt.Sprintf("%s commit_hash=%s", Version(), hash)
}

// UserAgent is sent with every HTTP request to the remote service.
func UserAgent() string {
	return fmt.Sprintf("meshclient/%s (%s; %s)", Version(), runtime.GOOS, runtime.GOARCH)
}

// normalize strips characters outside semanticAlphabet.
func normalize(str string) string {
	var b strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
