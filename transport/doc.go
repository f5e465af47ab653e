// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package transport implements the encrypted packet stream negotiated between two
peers before any other traffic.

Each side of a connection owns two cipher streams.  The output stream encrypts
what we send and the input stream decrypts what we receive.  Each stream is
keyed independently from an elliptic curve Diffie-Hellman exchange over
secp256k1 with a fresh ephemeral key:

	A -> B  encinit  (A output public key, cipher)
	B -> A  encack   (B input public key)

Both sides perform the exchange in both directions, so a session is ready once
it has sent and received an encinit and sent and received an encack.  The
shared secret is expanded with HKDF over BLAKE-256 into a length key, a payload
key and a session id.

# Packet Format

	+---------------+------------------------------+-----------+
	| length (4)    | varstr command || payload    | tag (16)  |
	+---------------+------------------------------+-----------+

The length is encrypted with ChaCha20 under the length key.  The body is
encrypted with ChaCha20 under the payload key starting at block one, and block
zero provides the Poly1305 key used to authenticate the encrypted length and
body.  Tags are verified before the body is decrypted.

# Rekeying

The output stream is rekeyed after a configurable interval or byte count.  The
sender first writes an encack packet carrying an all-zero key under the old
keys and the receiver rekeys its input stream when it reads one.  New keys are
the BLAKE-256 hash of the session id and the old key.  Sequence numbers are
never reset.
*/
package transport
