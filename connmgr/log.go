// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2018-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import "github.com/decred/slog"

// log is the connection manager logger.  Logging is disabled until the
// process installs a logger with UseLogger.
var log = slog.Disabled

// UseLogger sets the logger of the connection manager.
func UseLogger(logger slog.Logger) {
	log = logger
}
