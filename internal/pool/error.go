// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"

	"github.com/decred/dcrp2p/netwire"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrShutdown indicates an operation was attempted on a pool that is
	// not running or is shutting down.
	ErrShutdown = ErrorKind("ErrShutdown")

	// ErrBadHeaderChain indicates a headers message contained a header that
	// does not connect to the previous pending header.
	ErrBadHeaderChain = ErrorKind("ErrBadHeaderChain")

	// ErrCheckpointMismatch indicates a header at a checkpoint height does
	// not have the checkpoint hash.
	ErrCheckpointMismatch = ErrorKind("ErrCheckpointMismatch")

	// ErrUnrequestedBlock indicates a peer sent a block that was never
	// requested from it.
	ErrUnrequestedBlock = ErrorKind("ErrUnrequestedBlock")

	// ErrUnsupportedBroadcast indicates a message that can't be announced
	// with inventory was handed to Broadcast.
	ErrUnsupportedBroadcast = ErrorKind("ErrUnsupportedBroadcast")

	// ErrInvalidConfig indicates the pool configuration is missing a
	// required collaborator or has an invalid value.
	ErrInvalidConfig = ErrorKind("ErrInvalidConfig")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a pool error.  It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for the error by
// checking the underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}

// VerifyError is returned by the chain and mempool collaborators when a block
// or transaction fails verification.  The pool answers it with a reject
// message carrying Code and Reason and raises the ban score of the sending
// peer by Score.
type VerifyError struct {
	Code   netwire.RejectCode
	Reason string
	Score  uint32
}

// Error satisfies the error interface and prints human-readable errors.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewVerifyError returns a verification error with the provided reject code,
// reason and ban score.
func NewVerifyError(code netwire.RejectCode, reason string, score uint32) *VerifyError {
	return &VerifyError{Code: code, Reason: reason, Score: score}
}
