// Copyright (c) 2020-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrAddressNotFound indicates that an operation in the address manager
	// failed due to an address lookup failure.
	ErrAddressNotFound = ErrorKind("ErrAddressNotFound")

	// ErrUnknownAddressType indicates that the network address type could not
	// be determined from a host string.
	ErrUnknownAddressType = ErrorKind("ErrUnknownAddressType")

	// ErrNotRoutable indicates a local address was rejected because it is not
	// publicly routable.
	ErrNotRoutable = ErrorKind("ErrNotRoutable")

	// ErrVersionMismatch indicates the serialized host list was written with
	// an unsupported format version.
	ErrVersionMismatch = ErrorKind("ErrVersionMismatch")

	// ErrBucketMismatch indicates the serialized host list declares a
	// different number of fresh or tried buckets than the manager is
	// configured with.
	ErrBucketMismatch = ErrorKind("ErrBucketMismatch")

	// ErrCorruptHostList indicates the serialized host list is internally
	// inconsistent, such as an address listed in both fresh and tried
	// buckets or a bucket referencing an unknown address.
	ErrCorruptHostList = ErrorKind("ErrCorruptHostList")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an address manager error.  It has full support for
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
