// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memchain

import (
	"github.com/decred/dcrp2p/internal/pool"
	"github.com/decred/dcrp2p/netwire"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrBlockNotFound indicates a requested block is not known.
	ErrBlockNotFound = ErrorKind("ErrBlockNotFound")

	// ErrTxNotFound indicates a requested transaction is not in the pool.
	ErrTxNotFound = ErrorKind("ErrTxNotFound")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a lookup error.  It has full support for errors.Is and
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

// ruleError returns a verification error for a block or transaction that
// broke a rule.  The score is added to the ban score of the peer that sent it.
func ruleError(code netwire.RejectCode, reason string, score uint32) *pool.VerifyError {
	return pool.NewVerifyError(code, reason, score)
}
