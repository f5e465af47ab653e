// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrmgr implements a concurrency-safe peer address manager.

# Address Manager Overview

Peers learn about each other through the `getaddr` and `addr` messages, so a
node must keep a store of candidate addresses to dial and to share.  Remote
peers cannot be trusted: a peer might send invalid addresses or only addresses
it controls.  The address manager therefore keeps two tables.

The fresh table holds addresses that were announced but never successfully
handshaken.  It is divided into buckets chosen by hashing the address together
with the source that announced it, and an address may appear in up to eight
fresh buckets.  Each additional bucket is exponentially less likely to be
chosen, so a single announcer cannot flood the table.

The tried table holds addresses that completed an outbound handshake.  It is
divided into buckets chosen by hashing the address alone and every tried
address lives in exactly one bucket.  Promoting an address into a full tried
bucket demotes the member with the oldest timestamp back to the fresh table.

Selection picks the tried or fresh table with equal probability, then a random
bucket and entry, accepting the entry with a probability that decays with
recent and repeated failed attempts.

# Persistence

The tables are flushed to peers.json in the data directory periodically and
on shutdown.  Loading a host list written with a different bucket geometry or
version, or one that is internally inconsistent, is an error.

# Bans and Known Peers

Hosts may be banned for a period of time, which removes every address on that
host and rejects it until the ban expires.  The manager also remembers the
identity keys of peers that authenticated, keyed by host and port.
*/
package addrmgr
