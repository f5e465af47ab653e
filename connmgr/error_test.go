// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"errors"
	"io"
	"testing"
)

// errorKinds lists every error kind of the package.
var errorKinds = []ErrorKind{
	ErrDialNil,
	ErrDuplicateConn,
	ErrNoPendingConn,
	ErrShutdown,
	ErrTorInvalidAddressResponse,
	ErrTorInvalidProxyResponse,
	ErrTorUnrecognizedAuthMethod,
	ErrTorGeneralError,
	ErrTorNotAllowed,
	ErrTorNetUnreachable,
	ErrTorHostUnreachable,
	ErrTorConnectionRefused,
	ErrTorTTLExpired,
	ErrTorCmdNotSupported,
	ErrTorAddrNotSupported,
}

// TestErrorKinds ensures every error kind prints its name and is identified
// through an Error wrapping it, but not as any other kind.
func TestErrorKinds(t *testing.T) {
	seen := make(map[string]struct{}, len(errorKinds))
	for _, kind := range errorKinds {
		name := string(kind)
		if kind.Error() != name {
			t.Fatalf("%s: unexpected string %q", name, kind.Error())
		}
		if _, ok := seen[name]; ok {
			t.Fatalf("%s: duplicate error kind", name)
		}
		seen[name] = struct{}{}

		err := MakeError(kind, "human-readable error")
		if err.Error() != "human-readable error" {
			t.Fatalf("%s: unexpected description %q", name, err.Error())
		}
		if !errors.Is(err, kind) {
			t.Fatalf("%s: wrapped kind not identified", name)
		}
		if errors.Is(err, io.EOF) {
			t.Fatalf("%s: identified as unrelated error", name)
		}
		var gotKind ErrorKind
		if !errors.As(err, &gotKind) || gotKind != kind {
			t.Fatalf("%s: unexpected unwrapped kind %v", name, gotKind)
		}
		for _, other := range errorKinds {
			if other != kind && errors.Is(err, other) {
				t.Fatalf("%s: identified as %v", name, other)
			}
		}
	}
}
