// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import "github.com/decred/slog"

// log discards everything until UseLogger is called.
var log = slog.Disabled

// UseLogger sets the session logger.
func UseLogger(logger slog.Logger) {
	log = logger
}
