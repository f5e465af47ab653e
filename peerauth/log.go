// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peerauth

import "github.com/decred/slog"

// log is the logger of the authentication state machine.  It is disabled by
// default.
var log = slog.Disabled

// UseLogger sets the authentication logger.
func UseLogger(logger slog.Logger) {
	log = logger
}
