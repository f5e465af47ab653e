// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.  Every one of
// them is fatal to the session that produced it.
const (
	// ErrDuplicateInit indicates the remote peer sent a second encinit.
	ErrDuplicateInit = ErrorKind("ErrDuplicateInit")

	// ErrAckBeforeInit indicates an encack arrived before the local encinit
	// was sent.
	ErrAckBeforeInit = ErrorKind("ErrAckBeforeInit")

	// ErrDuplicateAck indicates the remote peer acknowledged our key twice.
	ErrDuplicateAck = ErrorKind("ErrDuplicateAck")

	// ErrUnsupportedCipher indicates the remote peer requested a cipher
	// other than ChaCha20-Poly1305.
	ErrUnsupportedCipher = ErrorKind("ErrUnsupportedCipher")

	// ErrInvalidPubKey indicates a handshake public key could not be parsed.
	ErrInvalidPubKey = ErrorKind("ErrInvalidPubKey")

	// ErrNotReady indicates a packet operation was attempted before both
	// directions were keyed.
	ErrNotReady = ErrorKind("ErrNotReady")

	// ErrBadTag indicates a packet failed authentication.
	ErrBadTag = ErrorKind("ErrBadTag")

	// ErrPacketTooLarge indicates a packet length exceeds the configured
	// maximum.
	ErrPacketTooLarge = ErrorKind("ErrPacketTooLarge")

	// ErrMalformedPacket indicates an authenticated packet body could not be
	// parsed.
	ErrMalformedPacket = ErrorKind("ErrMalformedPacket")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a transport error.  It has full support for errors.Is and
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
