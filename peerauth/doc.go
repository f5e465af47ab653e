// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peerauth implements mutual identity authentication between peers over
an already encrypted transport.

Every node holds a long term secp256k1 identity key.  A node that dials a peer
whose identity it knows challenges it with

	blake256(sid || 'i' || peerKey)

and the peer answers with a Schnorr signature over the same hash, or an
all-zero signature when the challenge does not name its key.  The dialing side
then proposes its own identity with

	blake256(sid || 'p' || ourKey)

which the accepting side matches against its authorized keys before
challenging back with role 'r'.  When both challenges succeed the encrypted
streams are rekeyed with both identities mixed into the keys.

Failed proofs never reveal which identity was expected.  A bad reply is
answered with a random proposal and an unknown proposal with an all-zero
challenge, both of which end the exchange.

The sid used by the sender of a message is the session id of its output
stream, which is the input stream of the receiver.

Known-peers files map hosts to identity keys, one "host[,addr] pubkeyhex"
entry per line.  Authorized-peers files hold one key per line.  Text after a
# is ignored and malformed lines are errors.
*/
package peerauth
