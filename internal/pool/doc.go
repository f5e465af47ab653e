// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package pool maintains the peers of a node and synchronizes the chain and the
transaction memory pool with them.

The pool owns the connection manager and the address manager.  Every peer
lifecycle event and every message that touches the shared sync state is
handed to a single event handler goroutine, so the loader selection, the
in-flight request maps and the header list are never accessed concurrently.
Blocks and transactions are validated by the Chain and Mempool collaborators
on the goroutine of the peer that delivered them, serialized per hash by a
named lock, and the outcome is reported back to the event handler.

# Synchronization

One outbound full node, the loader, drives the sync at a time.  While the best
block is below the final configured checkpoint, headers are downloaded from
the loader up to the next checkpoint and linked to the chain before the blocks
they describe are fetched in batches.  A header that does not connect raises the
ban score of the loader and disconnects it, and a header that contradicts a
checkpoint bans it outright.  Past the final checkpoint blocks are discovered
through getblocks and inventory announcements from any peer.  Each block or
transaction is requested from exactly one peer at a time, and requests in
flight from a disconnected peer are requested again from other peers.

# Relay

Accepted transactions are announced to peers whose fee filter and bloom
filter match them.  Connected blocks are sent as compact blocks, headers or
inventory depending on the preferences each peer announced.  Broadcast
announces locally created items and reports whether a peer requested them
before the broadcast timeout.
*/
package pool
