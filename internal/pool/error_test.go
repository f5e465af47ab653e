// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/decred/dcrp2p/netwire"
)

// TestErrorKindStringer tests the stringized output for the ErrorKind type.
func TestErrorKindStringer(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrShutdown, "ErrShutdown"},
		{ErrBadHeaderChain, "ErrBadHeaderChain"},
		{ErrCheckpointMismatch, "ErrCheckpointMismatch"},
		{ErrUnrequestedBlock, "ErrUnrequestedBlock"},
		{ErrUnsupportedBroadcast, "ErrUnsupportedBroadcast"},
		{ErrInvalidConfig, "ErrInvalidConfig"},
	}

	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d: got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestErrorKindIsAs ensures both ErrorKind and Error can be identified as being
// a specific error kind via errors.Is and unwrapped via errors.As.
func TestErrorKindIsAs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
		wantAs    ErrorKind
	}{{
		name:      "ErrShutdown == ErrShutdown",
		err:       ErrShutdown,
		target:    ErrShutdown,
		wantMatch: true,
		wantAs:    ErrShutdown,
	}, {
		name:      "Error.ErrBadHeaderChain == ErrBadHeaderChain",
		err:       makeError(ErrBadHeaderChain, ""),
		target:    ErrBadHeaderChain,
		wantMatch: true,
		wantAs:    ErrBadHeaderChain,
	}, {
		name:      "wrapped Error.ErrCheckpointMismatch == ErrCheckpointMismatch",
		err:       fmt.Errorf("bad: %w", makeError(ErrCheckpointMismatch, "")),
		target:    ErrCheckpointMismatch,
		wantMatch: true,
		wantAs:    ErrCheckpointMismatch,
	}, {
		name:      "ErrUnrequestedBlock != ErrShutdown",
		err:       ErrUnrequestedBlock,
		target:    ErrShutdown,
		wantMatch: false,
		wantAs:    ErrUnrequestedBlock,
	}}

	for _, test := range tests {
		// Ensure the error matches or not depending on the expected result.
		result := errors.Is(test.err, test.target)
		if result != test.wantMatch {
			t.Errorf("%s: incorrect error identification -- got %v, want %v",
				test.name, result, test.wantMatch)
			continue
		}

		// Ensure the underlying error kind can be unwrapped and is the
		// expected kind.
		var kind ErrorKind
		if !errors.As(test.err, &kind) {
			t.Errorf("%s: unable to unwrap to error kind", test.name)
			continue
		}
		if kind != test.wantAs {
			t.Errorf("%s: unexpected unwrapped error kind -- got %v, want %v",
				test.name, kind, test.wantAs)
			continue
		}
	}
}

// TestVerifyError ensures verification errors survive wrapping.
func TestVerifyError(t *testing.T) {
	err := fmt.Errorf("process block: %w",
		NewVerifyError(netwire.RejectInvalid, "bad merkle root", 100))

	var verr *VerifyError
	if !errors.As(err, &verr) {
		t.Fatal("unable to unwrap verify error")
	}
	if verr.Code != netwire.RejectInvalid || verr.Score != 100 {
		t.Fatalf("unexpected verify error %+v", verr)
	}
	if want := "REJECT_INVALID: bad merkle root"; verr.Error() != want {
		t.Fatalf("unexpected message -- got %q, want %q", verr.Error(), want)
	}
}
