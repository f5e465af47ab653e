// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memchain

import "github.com/decred/slog"

// log is disabled until the process installs a logger.
var log = slog.Disabled

// UseLogger sets the chain and mempool logger.
func UseLogger(logger slog.Logger) {
	log = logger
}
