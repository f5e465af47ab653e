// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides a common base for creating and managing network peers.

# Overview

This package builds upon the wire package, which provides the fundamental
primitives necessary to speak the peer-to-peer protocol, in order to provide a
full featured peer which handles the connection handshake and keeps the
connection alive.  The caller decides what to do with the protocol messages
the remote peer sends.

# Handshake

A connection is negotiated in up to three phases:

  - Encryption: with Config.Encrypt set, the outbound peer sends an encinit
    message and waits Config.EncryptTimeout for the inbound peer to answer
    with its own encinit followed by encack messages in both directions.
    Every later message is carried by the encrypted transport.  A remote
    peer that does not take part fails the handshake unless
    Config.AllowPlaintext is set, in which case the connection stays in
    plaintext.
  - Authentication: with an encrypted session and Config.IdentityKey set, the
    outbound peer challenges the identity returned by Config.LookupIdentity
    or proposes its own identity when none is known.  A successful mutual
    authentication rekeys the session with both identities.
  - Version: the usual version and verack exchange.  Self connections and
    obsolete protocol versions are rejected.

The whole handshake must finish within Config.NegotiateTimeout.

# Message Flow

Once the handshake completes, messages are read by one goroutine and written
by another.  Pings are answered and pong latencies recorded automatically, and
the sendheaders, feefilter and sendcmpct preferences are tracked by the peer.
Every other message is handed to MessageListeners.OnMessage.  Repeated
handshake messages disconnect the peer.

Outbound messages are queued with QueueMessage.  Inventory queued with
QueueInventory is trickled in batches, except for blocks which are announced
right away.  The peer disconnects remote peers that stall on requests that
expect a response and peers that stay idle for Config.IdleTimeout.
*/
package peer
