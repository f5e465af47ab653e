// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "github.com/decred/slog"

// log is the address manager logger.  It discards everything until the
// process installs a logger with UseLogger.
var log = slog.Disabled

// UseLogger sets the logger of the address manager.
func UseLogger(logger slog.Logger) {
	log = logger
}
