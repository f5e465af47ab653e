// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memchain

import (
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/internal/pool"
	"github.com/decred/dcrp2p/netwire"
)

// coinbaseTx returns a coinbase transaction that is unique per height and
// branch.
func coinbaseTx(height uint32, branch byte) *wire.MsgTx {
	tx := wire.NewMsgTx()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{},
		wire.MaxPrevOutIndex, wire.TxTreeRegular), 0,
		[]byte{0x04, byte(height), byte(height >> 8), branch}))
	tx.AddTxOut(wire.NewTxOut(5e8, []byte{0x51}))
	return tx
}

// spendTx returns a transaction spending the outputs with the provided total
// input value and a single output of the provided value.
func spendTx(valueIn, valueOut int64, prevOuts ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx()
	for i := range prevOuts {
		tx.AddTxIn(wire.NewTxIn(&prevOuts[i], valueIn/int64(len(prevOuts)),
			nil))
	}
	tx.AddTxOut(wire.NewTxOut(valueOut, []byte{0x51}))
	return tx
}

// outPoint returns the outpoint of the transaction output with the index.
func outPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index,
		Tree: wire.TxTreeRegular}
}

// testBlock returns a valid block that extends the provided parent with the
// transactions.
func testBlock(params *chaincfg.Params, parent *wire.MsgBlock, txns ...*wire.MsgTx) *wire.MsgBlock {
	height := parent.Header.Height + 1
	if len(txns) == 0 {
		txns = []*wire.MsgTx{coinbaseTx(height, 0)}
	}
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: parent.BlockHash(),
			Bits:      params.PowLimitBits,
			Height:    height,
			Timestamp: parent.Header.Timestamp.Add(5 * time.Minute),
		},
		Transactions: txns,
	}
	block.Header.MerkleRoot = standalone.CalcTxTreeMerkleRoot(txns)
	return block
}

// branch returns n blocks extending the parent.  The branch byte is committed
// to by the coinbases so distinct branches have distinct blocks.
func branch(params *chaincfg.Params, parent *wire.MsgBlock, n int, id byte) []*wire.MsgBlock {
	blocks := make([]*wire.MsgBlock, 0, n)
	for i := 0; i < n; i++ {
		block := testBlock(params, parent,
			coinbaseTx(parent.Header.Height+1, id))
		blocks = append(blocks, block)
		parent = block
	}
	return blocks
}

// newTestChain returns a chain on the simulation network with the provided
// checkpoints.
func newTestChain(checkpoints ...pool.Checkpoint) (*Chain, *chaincfg.Params) {
	params := chaincfg.SimNetParams()
	return New(&Config{ChainParams: params, Checkpoints: checkpoints}), params
}

// mustProcess processes the block and fails the test on a rejection.
func mustProcess(t *testing.T, c *Chain, block *wire.MsgBlock) bool {
	t.Helper()
	isOrphan, err := c.ProcessBlock(block)
	if err != nil {
		t.Fatalf("block %v at height %d rejected: %v", block.BlockHash(),
			block.Header.Height, err)
	}
	return isOrphan
}

// assertTip ensures the tip of the chain is the provided block.
func assertTip(t *testing.T, c *Chain, block *wire.MsgBlock) {
	t.Helper()
	hash, height := c.BestBlock()
	if hash != block.BlockHash() || height != int64(block.Header.Height) {
		t.Fatalf("unexpected tip -- got %v (%d), want %v (%d)", hash, height,
			block.BlockHash(), block.Header.Height)
	}
}

// assertVerifyError ensures the error is a verification error with the reject
// code and ban score.
func assertVerifyError(t *testing.T, name string, err error, code netwire.RejectCode, score uint32) {
	t.Helper()
	var vErr *pool.VerifyError
	if !errors.As(err, &vErr) {
		t.Fatalf("%s: unexpected error type %T (%v)", name, err, err)
	}
	if vErr.Code != code || vErr.Score != score {
		t.Fatalf("%s: unexpected rejection -- got %v (score %d), want %v "+
			"(score %d)", name, vErr.Code, vErr.Score, code, score)
	}
}

// TestProcessBlock ensures blocks extend the chain, duplicates are refused and
// orphans connect once their parents arrive.
func TestProcessBlock(t *testing.T) {
	c, params := newTestChain()
	genesis := params.GenesisBlock
	assertTip(t, c, genesis)

	blocks := branch(params, genesis, 4, 0)
	if isOrphan := mustProcess(t, c, blocks[0]); isOrphan {
		t.Fatal("block extending the tip reported as orphan")
	}
	assertTip(t, c, blocks[0])

	_, err := c.ProcessBlock(blocks[0])
	assertVerifyError(t, "duplicate", err, netwire.RejectDuplicate, 0)

	// Blocks 3 and 4 are orphans until block 2 arrives.
	if isOrphan := mustProcess(t, c, blocks[3]); !isOrphan {
		t.Fatal("block with unknown parent not reported as orphan")
	}
	if isOrphan := mustProcess(t, c, blocks[2]); !isOrphan {
		t.Fatal("block with orphan parent not reported as orphan")
	}
	_, err = c.ProcessBlock(blocks[3])
	assertVerifyError(t, "duplicate orphan", err, netwire.RejectDuplicate, 0)

	hash3 := blocks[3].BlockHash()
	if !c.HaveBlock(&hash3) {
		t.Fatal("orphan block is not known")
	}
	root := c.OrphanRoot(&hash3)
	wantRoot := blocks[2].BlockHash()
	if root == nil || *root != wantRoot {
		t.Fatalf("unexpected orphan root -- got %v, want %v", root, wantRoot)
	}
	hash0 := blocks[0].BlockHash()
	if root := c.OrphanRoot(&hash0); root != nil {
		t.Fatalf("unexpected orphan root for connected block: %v", root)
	}
	assertTip(t, c, blocks[0])

	if isOrphan := mustProcess(t, c, blocks[1]); isOrphan {
		t.Fatal("block extending the tip reported as orphan")
	}
	assertTip(t, c, blocks[3])
	if root := c.OrphanRoot(&hash3); root != nil {
		t.Fatalf("connected orphan still has a root: %v", root)
	}

	// Transactions of connected blocks are known.
	coinbaseHash := blocks[2].Transactions[0].TxHash()
	if !c.HaveTx(&coinbaseHash) {
		t.Fatal("transaction of connected block is not known")
	}

	got, err := c.BlockByHash(&hash3)
	if err != nil || got != blocks[3] {
		t.Fatalf("unexpected block by hash -- got %v, err %v", got, err)
	}
	unknown := chainhash.Hash{0x01}
	if _, err := c.BlockByHash(&unknown); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("unexpected error for unknown block -- got %v, want %v",
			err, ErrBlockNotFound)
	}
	if c.HaveBlock(&unknown) {
		t.Fatal("unknown block reported as known")
	}
}

// TestBlockSanity ensures blocks that break a rule are rejected with the
// expected reject code and ban score.
func TestBlockSanity(t *testing.T) {
	params := chaincfg.SimNetParams()
	genesis := params.GenesisBlock

	// rehash updates the merkle root after changing transactions.
	rehash := func(block *wire.MsgBlock) {
		block.Header.MerkleRoot = standalone.CalcTxTreeMerkleRoot(
			block.Transactions)
	}

	tests := []struct {
		name   string
		modify func(*wire.MsgBlock)
		code   netwire.RejectCode
		score  uint32
	}{{
		name: "no transactions",
		modify: func(b *wire.MsgBlock) {
			b.Transactions = nil
			rehash(b)
		},
		code:  netwire.RejectInvalid,
		score: 100,
	}, {
		name:   "zero target difficulty",
		modify: func(b *wire.MsgBlock) { b.Header.Bits = 0 },
		code:   netwire.RejectInvalid,
		score:  100,
	}, {
		name:   "target difficulty above limit",
		modify: func(b *wire.MsgBlock) { b.Header.Bits = 0x2100ffff },
		code:   netwire.RejectInvalid,
		score:  100,
	}, {
		name: "timestamp too far in the future",
		modify: func(b *wire.MsgBlock) {
			b.Header.Timestamp = time.Now().Add(3 * time.Hour)
		},
		code:  netwire.RejectInvalid,
		score: 0,
	}, {
		name:   "bad merkle root",
		modify: func(b *wire.MsgBlock) { b.Header.MerkleRoot[0] ^= 0xff },
		code:   netwire.RejectInvalid,
		score:  100,
	}, {
		name: "duplicate transaction",
		modify: func(b *wire.MsgBlock) {
			b.Transactions = append(b.Transactions, b.Transactions[0])
			rehash(b)
		},
		code:  netwire.RejectInvalid,
		score: 100,
	}, {
		name: "transaction without outputs",
		modify: func(b *wire.MsgBlock) {
			b.Transactions[0].TxOut = nil
			rehash(b)
		},
		code:  netwire.RejectInvalid,
		score: 100,
	}, {
		name:   "unexpected height",
		modify: func(b *wire.MsgBlock) { b.Header.Height = 5 },
		code:   netwire.RejectInvalid,
		score:  100,
	}}

	for _, test := range tests {
		c, _ := newTestChain()
		block := testBlock(params, genesis)
		test.modify(block)
		_, err := c.ProcessBlock(block)
		assertVerifyError(t, test.name, err, test.code, test.score)

		hash := block.BlockHash()
		if c.HaveBlock(&hash) {
			t.Fatalf("%s: rejected block is known", test.name)
		}
		assertTip(t, c, genesis)
	}
}

// TestReorganize ensures the chain follows the branch with the most blocks and
// keeps the transaction index in line with it.
func TestReorganize(t *testing.T) {
	c, params := newTestChain()
	genesis := params.GenesisBlock

	branchA := branch(params, genesis, 2, 'a')
	branchB := branch(params, genesis, 3, 'b')
	for _, block := range branchA {
		mustProcess(t, c, block)
	}
	assertTip(t, c, branchA[1])

	// A side chain of equal length does not replace the tip.
	mustProcess(t, c, branchB[0])
	mustProcess(t, c, branchB[1])
	assertTip(t, c, branchA[1])
	sideTx := branchB[1].Transactions[0].TxHash()
	if c.HaveTx(&sideTx) {
		t.Fatal("transaction of side chain block is known")
	}

	// The longer branch becomes the best chain.
	mustProcess(t, c, branchB[2])
	assertTip(t, c, branchB[2])
	if !c.HaveTx(&sideTx) {
		t.Fatal("transaction of reorganized block is not known")
	}
	detachedTx := branchA[1].Transactions[0].TxHash()
	if c.HaveTx(&detachedTx) {
		t.Fatal("transaction of detached block is still known")
	}

	// Detached blocks remain known.
	hash := branchA[1].BlockHash()
	if !c.HaveBlock(&hash) {
		t.Fatal("detached block is not known")
	}
	locator := c.BlockLocator(nil)
	if *locator[0] != branchB[2].BlockHash() {
		t.Fatalf("locator does not start at the new tip: %v", locator[0])
	}
}

// TestCheckpoints ensures blocks that do not match a checkpoint and forks
// before the last checkpoint are rejected.
func TestCheckpoints(t *testing.T) {
	params := chaincfg.SimNetParams()
	genesis := params.GenesisBlock
	main := branch(params, genesis, 3, 'm')
	checkpoint := pool.Checkpoint{Height: 2, Hash: main[1].BlockHash()}

	c, _ := newTestChain(checkpoint)
	side := branch(params, genesis, 2, 's')
	mustProcess(t, c, side[0])
	_, err := c.ProcessBlock(side[1])
	assertVerifyError(t, "checkpoint mismatch", err, netwire.RejectCheckpoint,
		100)

	for _, block := range main {
		mustProcess(t, c, block)
	}
	assertTip(t, c, main[2])

	// A fork at height 1 is below the checkpoint of the best chain.
	fork := testBlock(params, genesis, coinbaseTx(1, 'f'))
	_, err = c.ProcessBlock(fork)
	assertVerifyError(t, "fork before checkpoint", err,
		netwire.RejectCheckpoint, 100)

	// Forks after the checkpoint are fine.
	mustProcess(t, c, testBlock(params, main[1], coinbaseTx(3, 'f')))
}

// TestLocateInventory ensures block locators are built with an exponential
// step and located blocks and headers honor the locator and stop hash.
func TestLocateInventory(t *testing.T) {
	c, params := newTestChain()
	genesis := params.GenesisBlock
	blocks := append([]*wire.MsgBlock{genesis}, branch(params, genesis, 20,
		0)...)
	for _, block := range blocks[1:] {
		mustProcess(t, c, block)
	}
	hashOf := func(height int) chainhash.Hash {
		return blocks[height].BlockHash()
	}

	locator := c.BlockLocator(nil)
	wantHeights := []int{20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 7, 3,
		0}
	if len(locator) != len(wantHeights) {
		t.Fatalf("unexpected locator length -- got %d, want %d",
			len(locator), len(wantHeights))
	}
	for i, height := range wantHeights {
		if *locator[i] != hashOf(height) {
			t.Fatalf("unexpected locator entry %d -- got %v, want height %d",
				i, locator[i], height)
		}
	}
	hash5 := hashOf(5)
	if locator := c.BlockLocator(&hash5); *locator[0] != hash5 ||
		*locator[len(locator)-1] != hashOf(0) {

		t.Fatalf("unexpected locator from height 5: %v", locator)
	}

	zeroHash := chainhash.Hash{}
	unknown := chainhash.Hash{0x01}
	hash8 := hashOf(8)
	tests := []struct {
		name      string
		locator   []*chainhash.Hash
		hashStop  *chainhash.Hash
		maxHashes uint32
		want      []int
	}{{
		name:      "from known block to tip",
		locator:   []*chainhash.Hash{&hash5},
		hashStop:  &zeroHash,
		maxHashes: 500,
		want:      []int{6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
	}, {
		name:      "from known block to stop hash",
		locator:   []*chainhash.Hash{&hash5},
		hashStop:  &hash8,
		maxHashes: 500,
		want:      []int{6, 7, 8},
	}, {
		name:      "limited by max hashes",
		locator:   []*chainhash.Hash{&unknown, &hash5},
		hashStop:  &zeroHash,
		maxHashes: 2,
		want:      []int{6, 7},
	}, {
		name:      "unknown locator starts after genesis",
		locator:   []*chainhash.Hash{&unknown},
		hashStop:  &hash8,
		maxHashes: 500,
		want:      []int{1, 2, 3, 4, 5, 6, 7, 8},
	}, {
		name:      "no locator requests the stop block",
		hashStop:  &hash8,
		maxHashes: 500,
		want:      []int{8},
	}, {
		name:      "no locator and unknown stop hash",
		hashStop:  &unknown,
		maxHashes: 500,
	}, {
		name: "locator at tip",
		locator: func() []*chainhash.Hash {
			tip := hashOf(20)
			return []*chainhash.Hash{&tip}
		}(),
		hashStop:  &zeroHash,
		maxHashes: 500,
	}}

	for _, test := range tests {
		hashes := c.LocateBlocks(test.locator, test.hashStop, test.maxHashes)
		if len(hashes) != len(test.want) {
			t.Fatalf("%s: unexpected number of hashes -- got %d, want %d",
				test.name, len(hashes), len(test.want))
		}
		for i, height := range test.want {
			if hashes[i] != hashOf(height) {
				t.Fatalf("%s: unexpected hash %d -- got %v, want height %d",
					test.name, i, hashes[i], height)
			}
		}

		// Headers are located the same way when not limited.
		if test.maxHashes < wire.MaxBlockHeadersPerMsg &&
			len(test.want) == int(test.maxHashes) {

			continue
		}
		headers := c.LocateHeaders(test.locator, test.hashStop)
		if len(headers) != len(test.want) {
			t.Fatalf("%s: unexpected number of headers -- got %d, want %d",
				test.name, len(headers), len(test.want))
		}
		for i, height := range test.want {
			if headers[i].BlockHash() != hashOf(height) {
				t.Fatalf("%s: unexpected header %d -- got height %d, want %d",
					test.name, i, headers[i].Height, height)
			}
		}
	}
}
