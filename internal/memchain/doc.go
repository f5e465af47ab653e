// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package memchain provides an in-memory block chain and transaction memory pool
that satisfy the chain and mempool collaborators of the connection pool.

The chain checks the sanity of blocks, follows the branch with the most blocks,
enforces checkpoints and keeps orphan blocks until their parents arrive.  The
mempool checks the sanity of transactions, refuses double spends and
transactions paying less than the minimum relay fee, and keeps orphan
transactions until their parents arrive.

Neither one verifies scripts, the stake system or the outputs spent by
transactions, so they are suited to test networks and tests rather than
securing real funds.
*/
package memchain
