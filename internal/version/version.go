// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version houses the version information of dcrp2pd.
package version

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
)

// semanticAlphabet defines the allowed characters for the pre-release and
// build metadata portions of a semantic version string.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// semverRE is a regular expression used to parse a semantic version string into
// its constituent parts.
var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*` +
	`[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Version is the application version per the semantic versioning 2.0.0 spec
// (https://semver.org/).
//
// It is defined as a variable so it can be overridden during the build
// process with:
// '-ldflags "-X github.com/decred/dcrp2p/internal/version.Version=fullsemver"'
// if needed.
//
// It MUST be a full semantic version or the package will panic at runtime.
var Version = "0.1.0-pre"

// These fields are the semantic version components of Version.  They are set
// during init.
var (
	Major         uint
	Minor         uint
	Patch         uint
	PreRelease    string
	BuildMetadata string
)

// parseSemVer splits a semantic version into its components.
func parseSemVer(s string) (major, minor, patch uint, preRel, build string, err error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		err = fmt.Errorf("malformed version string %q: does not conform to "+
			"semver specification", s)
		return 0, 0, 0, "", "", err
	}
	if _, err = fmt.Sscan(m[1], &major); err != nil {
		return 0, 0, 0, "", "", err
	}
	if _, err = fmt.Sscan(m[2], &minor); err != nil {
		return 0, 0, 0, "", "", err
	}
	if _, err = fmt.Sscan(m[3], &patch); err != nil {
		return 0, 0, 0, "", "", err
	}
	return major, minor, patch, m[4], m[5], nil
}

func init() {
	var err error
	Major, Minor, Patch, PreRelease, BuildMetadata, err = parseSemVer(Version)
	if err != nil {
		panic(err)
	}

	// Local builds carry the commit they were built from.
	if BuildMetadata == "" {
		if commit := vcsCommitID(); commit != "" {
			BuildMetadata = commit
			Version = fmt.Sprintf("%s+%s", Version, commit)
		}
	}
}

// vcsCommitID returns the abbreviated commit the binary was built from, if
// known.
func vcsCommitID() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var vcs, revision string
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs":
			vcs = bs.Value
		case "vcs.revision":
			revision = bs.Value
		}
	}
	if vcs == "git" && len(revision) > 9 {
		revision = revision[:9]
	}
	return NormalizeString(revision)
}

// String returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (https://semver.org/).
func String() string {
	return Version
}

// UserAgentVersion returns the version advertised in the user agent of the
// version message, which omits the build metadata.
func UserAgentVersion() string {
	s := fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
	if PreRelease != "" {
		s += "-" + PreRelease
	}
	return s
}

// NormalizeString returns the passed string stripped of all characters which
// are not valid according to the semantic versioning guidelines for pre-release
// and build metadata strings.
func NormalizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
