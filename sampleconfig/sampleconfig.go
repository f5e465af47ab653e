// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

import (
	_ "embed"
)

// sampleDcrp2pdConf is a string containing the commented example config for
// dcrp2pd.
//
//go:embed sample-dcrp2pd.conf
var sampleDcrp2pdConf string

// Dcrp2pd returns a string containing the commented example config for
// dcrp2pd.
func Dcrp2pd() string {
	return sampleDcrp2pdConf
}
