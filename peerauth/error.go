// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peerauth

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrNoSession indicates authentication was attempted without a ready
	// encrypted transport.
	ErrNoSession = ErrorKind("ErrNoSession")

	// ErrDuplicateChallenge indicates the remote peer challenged twice.
	ErrDuplicateChallenge = ErrorKind("ErrDuplicateChallenge")

	// ErrDuplicateReply indicates the remote peer replied twice.
	ErrDuplicateReply = ErrorKind("ErrDuplicateReply")

	// ErrDuplicatePropose indicates the remote peer proposed twice.
	ErrDuplicatePropose = ErrorKind("ErrDuplicatePropose")

	// ErrUnsolicited indicates an authentication message arrived that is not
	// valid for the direction or state of the connection.
	ErrUnsolicited = ErrorKind("ErrUnsolicited")

	// ErrAuthFailure indicates the remote peer failed to prove or accept an
	// identity.
	ErrAuthFailure = ErrorKind("ErrAuthFailure")

	// ErrInvalidKey indicates an identity key could not be parsed.
	ErrInvalidKey = ErrorKind("ErrInvalidKey")

	// ErrMalformedKeyFile indicates a line of a known-peers or
	// authorized-peers file could not be parsed.
	ErrMalformedKeyFile = ErrorKind("ErrMalformedKeyFile")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an authentication error.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason for
// the error by checking the underlying error.
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
