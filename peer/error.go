// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrNegotiationTimeout indicates the remote peer did not complete the
	// handshake in time.
	ErrNegotiationTimeout = ErrorKind("ErrNegotiationTimeout")

	// ErrUnexpectedMessage indicates the remote peer sent a message out of
	// order during the handshake.
	ErrUnexpectedMessage = ErrorKind("ErrUnexpectedMessage")

	// ErrSelfConnection indicates a connection to ourselves was detected by
	// the version nonce.
	ErrSelfConnection = ErrorKind("ErrSelfConnection")

	// ErrObsoleteVersion indicates the remote peer advertised a protocol
	// version that is too old.
	ErrObsoleteVersion = ErrorKind("ErrObsoleteVersion")

	// ErrVersionRejected indicates the version message of the remote peer
	// was rejected by the caller.
	ErrVersionRejected = ErrorKind("ErrVersionRejected")

	// ErrAuthRequired indicates authentication is required but the remote
	// peer did not prove an authorized identity.
	ErrAuthRequired = ErrorKind("ErrAuthRequired")

	// ErrDuplicateMessage indicates the remote peer repeated a handshake
	// message after the handshake completed.
	ErrDuplicateMessage = ErrorKind("ErrDuplicateMessage")

	// ErrInvalidAddress indicates the address of a peer could not be
	// parsed.
	ErrInvalidAddress = ErrorKind("ErrInvalidAddress")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a peer error.  It has full support for errors.Is and
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
