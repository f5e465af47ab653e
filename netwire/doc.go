// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package netwire implements the peer-to-peer message framing and the messages
that extend the base Decred wire protocol.

Every message implements the wire.Message interface so the messages defined by
github.com/decred/dcrd/wire and the ones defined here travel through the same
codec.  MakeEmptyMessage is the command registry used when decoding.

# Framing

Plaintext messages use the standard 24 byte header: network magic, a zero
padded command, the payload length and the first four bytes of the payload
hash.  ReadMessage and WriteMessage implement that framing.  Encrypted sessions
carry the command and payload inside authenticated packets instead, so
EncodePayload and DecodePayload are exposed to translate between messages and
raw payloads.

# Extensions

  - encinit/encack negotiate an encrypted session
  - authchal/authreply/authpropose authenticate peer identities
  - reject reports a rejected message
  - sendcmpct/cmpctblock/getblocktxn/blocktxn relay compact blocks
  - filterload/filteradd/filterclear/merkleblock serve bloom filtered peers

The protocol version is pinned by ProtocolVersion.
*/
package netwire
