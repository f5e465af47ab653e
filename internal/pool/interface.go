// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// Chain is the block chain collaborator of the pool.  Validation and storage
// are entirely up to the implementation.  Every method must be safe for
// concurrent access.
type Chain interface {
	// BestBlock returns the hash and height of the current tip.
	BestBlock() (chainhash.Hash, int64)

	// HaveBlock returns whether the block is part of the chain or is a
	// known orphan.
	HaveBlock(hash *chainhash.Hash) bool

	// ProcessBlock validates and connects the block.  Blocks whose parent
	// is unknown are kept as orphans and reported with isOrphan set.
	// Validation failures are reported with a *VerifyError.
	ProcessBlock(block *wire.MsgBlock) (isOrphan bool, err error)

	// OrphanRoot returns the hash of the earliest orphan the block descends
	// from, which is the block itself when its parent is known.  It returns
	// nil when the block is not an orphan.
	OrphanRoot(hash *chainhash.Hash) *chainhash.Hash

	// BlockLocator returns a block locator for the provided block.  A nil
	// hash refers to the current tip.
	BlockLocator(hash *chainhash.Hash) []*chainhash.Hash

	// BlockByHash returns a connected block.
	BlockByHash(hash *chainhash.Hash) (*wire.MsgBlock, error)

	// LocateBlocks returns the hashes of the blocks after the first known
	// block of the locator, up to the stop hash and at most maxHashes of
	// them.
	LocateBlocks(locator []*chainhash.Hash, hashStop *chainhash.Hash, maxHashes uint32) []chainhash.Hash

	// LocateHeaders returns the headers of the blocks after the first
	// known block of the locator, up to the stop hash and at most
	// wire.MaxBlockHeadersPerMsg of them.
	LocateHeaders(locator []*chainhash.Hash, hashStop *chainhash.Hash) []wire.BlockHeader
}

// Mempool is the transaction memory pool collaborator of the pool.  Every
// method must be safe for concurrent access.
type Mempool interface {
	// AddTx validates the transaction and adds it to the pool.  The hashes
	// of missing parent transactions are returned when the transaction is
	// an orphan.  Validation failures are reported with a *VerifyError.
	AddTx(tx *wire.MsgTx, peerID int32) (missing []chainhash.Hash, err error)

	// HaveTx returns whether the transaction is in the pool, including
	// the orphan pool.
	HaveTx(hash *chainhash.Hash) bool

	// HasReject returns whether the transaction was recently rejected.
	HasReject(hash *chainhash.Hash) bool

	// FetchTx returns a transaction from the pool.
	FetchTx(hash *chainhash.Hash) (*wire.MsgTx, error)

	// TxHashes returns the hashes of all transactions in the pool.
	TxHashes() []chainhash.Hash

	// FeeRate returns the fee rate of a pooled transaction in atoms per
	// kilobyte.  Unknown transactions report zero.
	FeeRate(hash *chainhash.Hash) int64

	// BlockConnected removes the transactions of a newly connected block
	// from the pool.
	BlockConnected(block *wire.MsgBlock)
}
