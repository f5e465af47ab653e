// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import "testing"

// TestSemVerParsing ensures semantic version strings are split into their
// components and malformed strings are rejected.
func TestSemVerParsing(t *testing.T) {
	tests := []struct {
		name    string
		s       string
		major   uint
		minor   uint
		patch   uint
		preRel  string
		build   string
		wantErr bool
	}{{
		name:  "release",
		s:     "1.2.3",
		major: 1, minor: 2, patch: 3,
	}, {
		name:  "pre-release",
		s:     "0.1.0-pre",
		major: 0, minor: 1, patch: 0,
		preRel: "pre",
	}, {
		name:  "pre-release and build metadata",
		s:     "2.0.1-rc.1+release.local",
		major: 2, minor: 0, patch: 1,
		preRel: "rc.1",
		build:  "release.local",
	}, {
		name:    "leading zero",
		s:       "01.2.3",
		wantErr: true,
	}, {
		name:    "missing patch",
		s:       "1.2",
		wantErr: true,
	}, {
		name:    "invalid pre-release characters",
		s:       "1.2.3-pre$",
		wantErr: true,
	}}

	for _, test := range tests {
		major, minor, patch, preRel, build, err := parseSemVer(test.s)
		if (err != nil) != test.wantErr {
			t.Errorf("%s: unexpected error -- got %v, want error %v",
				test.name, err, test.wantErr)
			continue
		}
		if test.wantErr {
			continue
		}
		if major != test.major || minor != test.minor || patch != test.patch ||
			preRel != test.preRel || build != test.build {

			t.Errorf("%s: unexpected components -- got %d.%d.%d %q %q",
				test.name, major, minor, patch, preRel, build)
		}
	}
}

// TestNormalizeString ensures characters outside of the semantic version
// alphabet are removed.
func TestNormalizeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc123", "abc123"},
		{"a_b c", "abc"},
		{"1.0-pre+x", "1.0-prex"},
		{"", ""},
	}
	for _, test := range tests {
		if got := NormalizeString(test.in); got != test.want {
			t.Errorf("NormalizeString(%q): got %q, want %q", test.in, got,
				test.want)
		}
	}
}
