// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memchain

import (
	"errors"
	"testing"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
)

// fakeTxChain is a transaction chain holding a fixed set of transactions.
type fakeTxChain map[chainhash.Hash]struct{}

func (c fakeTxChain) HaveTx(hash *chainhash.Hash) bool {
	_, ok := c[*hash]
	return ok
}

// newTestMempool returns a mempool backed by a chain that holds the provided
// transactions.
func newTestMempool(chainTxns ...*wire.MsgTx) *Mempool {
	chain := make(fakeTxChain)
	for _, tx := range chainTxns {
		chain[tx.TxHash()] = struct{}{}
	}
	return NewMempool(&MempoolConfig{
		ChainParams: chaincfg.SimNetParams(),
		Chain:       chain,
	})
}

// mustAccept adds the transaction to the mempool and fails the test when it is
// rejected or reported as an orphan.
func mustAccept(t *testing.T, mp *Mempool, tx *wire.MsgTx) {
	t.Helper()
	missing, err := mp.AddTx(tx, 1)
	if err != nil {
		t.Fatalf("transaction %v rejected: %v", tx.TxHash(), err)
	}
	if len(missing) > 0 {
		t.Fatalf("transaction %v is an orphan missing %v", tx.TxHash(),
			missing)
	}
}

// TestMempoolAddTx ensures transactions are accepted and rejected per the
// relay rules.
func TestMempoolAddTx(t *testing.T) {
	funding := coinbaseTx(1, 0)
	mp := newTestMempool(funding)

	tx := spendTx(5e8, 4e8, outPoint(funding, 0))
	mustAccept(t, mp, tx)
	hash := tx.TxHash()
	if !mp.HaveTx(&hash) || mp.Count() != 1 {
		t.Fatal("accepted transaction is not in the pool")
	}
	if got, err := mp.FetchTx(&hash); err != nil || got != tx {
		t.Fatalf("unexpected fetched transaction -- got %v, err %v", got, err)
	}
	if hashes := mp.TxHashes(); len(hashes) != 1 || hashes[0] != hash {
		t.Fatalf("unexpected transaction hashes %v", hashes)
	}
	wantRate := int64(1e8) * 1000 / int64(tx.SerializeSize())
	if rate := mp.FeeRate(&hash); rate != wantRate {
		t.Fatalf("unexpected fee rate -- got %d, want %d", rate, wantRate)
	}
	unknown := chainhash.Hash{0x01}
	if rate := mp.FeeRate(&unknown); rate != 0 {
		t.Fatalf("unexpected fee rate for unknown transaction %d", rate)
	}
	if _, err := mp.FetchTx(&unknown); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("unexpected error for unknown transaction -- got %v, want "+
			"%v", err, ErrTxNotFound)
	}

	noOutputs := spendTx(1e8, 0, outPoint(funding, 1))
	noOutputs.TxOut = nil
	tests := []struct {
		name     string
		tx       *wire.MsgTx
		code     netwire.RejectCode
		score    uint32
		rejected bool
	}{{
		name:  "duplicate",
		tx:    tx,
		code:  netwire.RejectDuplicate,
		score: 0,
	}, {
		name:  "double spend",
		tx:    spendTx(5e8, 3e8, outPoint(funding, 0)),
		code:  netwire.RejectDuplicate,
		score: 0,
	}, {
		name:     "no outputs",
		tx:       noOutputs,
		code:     netwire.RejectInvalid,
		score:    100,
		rejected: true,
	}, {
		name:     "individual coinbase",
		tx:       coinbaseTx(2, 0),
		code:     netwire.RejectInvalid,
		score:    100,
		rejected: true,
	}, {
		name:     "outputs exceed inputs",
		tx:       spendTx(1e8, 2e8, outPoint(funding, 1)),
		code:     netwire.RejectInvalid,
		score:    100,
		rejected: true,
	}, {
		name:     "insufficient fee",
		tx:       spendTx(1e8, 1e8, outPoint(funding, 1)),
		code:     netwire.RejectInsufficientFee,
		score:    0,
		rejected: true,
	}, {
		name:     "spends missing output of pooled parent",
		tx:       spendTx(1e8, 5e7, outPoint(tx, 3)),
		code:     netwire.RejectInvalid,
		score:    100,
		rejected: true,
	}}

	for _, test := range tests {
		missing, err := mp.AddTx(test.tx, 1)
		if len(missing) > 0 {
			t.Fatalf("%s: unexpected missing parents %v", test.name, missing)
		}
		assertVerifyError(t, test.name, err, test.code, test.score)

		txHash := test.tx.TxHash()
		if got := mp.HasReject(&txHash); got != test.rejected {
			t.Fatalf("%s: unexpected reject state -- got %v, want %v",
				test.name, got, test.rejected)
		}
	}
	if mp.Count() != 1 {
		t.Fatalf("unexpected pool size %d", mp.Count())
	}
}

// TestMempoolOrphans ensures transactions with unknown parents are held as
// orphans and accepted once the parents arrive.
func TestMempoolOrphans(t *testing.T) {
	funding := coinbaseTx(1, 0)
	mp := newTestMempool(funding)

	parent := spendTx(5e8, 4e8, outPoint(funding, 0))
	child := spendTx(4e8, 3e8, outPoint(parent, 0))
	grandchild := spendTx(3e8, 2e8, outPoint(child, 0))

	missing, err := mp.AddTx(grandchild, 2)
	if err != nil {
		t.Fatalf("unexpected error adding orphan: %v", err)
	}
	if len(missing) != 1 || missing[0] != child.TxHash() {
		t.Fatalf("unexpected missing parents %v", missing)
	}
	missing, err = mp.AddTx(child, 2)
	if err != nil || len(missing) != 1 || missing[0] != parent.TxHash() {
		t.Fatalf("unexpected orphan result -- missing %v, err %v", missing,
			err)
	}

	childHash, grandchildHash := child.TxHash(), grandchild.TxHash()
	if !mp.IsOrphanInPool(&childHash) || !mp.HaveTx(&childHash) {
		t.Fatal("orphan transaction is not known")
	}
	if mp.Count() != 0 {
		t.Fatalf("orphans counted in the main pool: %d", mp.Count())
	}
	_, err = mp.AddTx(child, 2)
	assertVerifyError(t, "duplicate orphan", err, netwire.RejectDuplicate, 0)

	// The parent makes the whole chain of orphans acceptable.
	mustAccept(t, mp, parent)
	if mp.Count() != 3 {
		t.Fatalf("unexpected pool size %d", mp.Count())
	}
	if mp.IsOrphanInPool(&childHash) || mp.IsOrphanInPool(&grandchildHash) {
		t.Fatal("accepted orphans remain in the orphan pool")
	}
	if _, err := mp.FetchTx(&grandchildHash); err != nil {
		t.Fatalf("accepted orphan not in the pool: %v", err)
	}
}

// TestMempoolOrphanLimit ensures the orphan pool is bounded and can be
// disabled.
func TestMempoolOrphanLimit(t *testing.T) {
	mp := NewMempool(&MempoolConfig{
		ChainParams:  chaincfg.SimNetParams(),
		Chain:        make(fakeTxChain),
		MaxOrphanTxs: 3,
	})
	for i := uint32(0); i < 5; i++ {
		tx := spendTx(2e8, 1e8, wire.OutPoint{Hash: chainhash.Hash{0x01},
			Index: i})
		if _, err := mp.AddTx(tx, 1); err != nil {
			t.Fatalf("unexpected error adding orphan %d: %v", i, err)
		}
	}
	if n := len(mp.orphans); n != 3 {
		t.Fatalf("unexpected number of orphans %d", n)
	}

	disabled := NewMempool(&MempoolConfig{
		ChainParams:  chaincfg.SimNetParams(),
		Chain:        make(fakeTxChain),
		MaxOrphanTxs: -1,
	})
	tx := spendTx(2e8, 1e8, wire.OutPoint{Hash: chainhash.Hash{0x01}})
	missing, err := disabled.AddTx(tx, 1)
	if err != nil || len(missing) != 1 {
		t.Fatalf("unexpected orphan result -- missing %v, err %v", missing,
			err)
	}
	hash := tx.TxHash()
	if disabled.HaveTx(&hash) {
		t.Fatal("orphan kept with the orphan pool disabled")
	}
}

// TestMempoolBlockConnected ensures transactions of connected blocks and the
// pooled transactions that conflict with them are removed.
func TestMempoolBlockConnected(t *testing.T) {
	funding := coinbaseTx(1, 0)
	mp := newTestMempool(funding)

	mined := spendTx(5e8, 4e8, outPoint(funding, 0))
	conflict := spendTx(5e8, 3e8, outPoint(funding, 1))
	redeemer := spendTx(3e8, 2e8, outPoint(conflict, 0))
	unrelated := spendTx(5e8, 4e8, outPoint(funding, 2))
	for _, tx := range []*wire.MsgTx{mined, conflict, redeemer, unrelated} {
		mustAccept(t, mp, tx)
	}

	// An orphan that spends a block transaction is accepted once the block
	// connects.
	blockTx := spendTx(5e8, 4e8, outPoint(funding, 1), outPoint(funding, 3))
	orphan := spendTx(4e8, 3e8, outPoint(blockTx, 0))
	if missing, err := mp.AddTx(orphan, 1); err != nil || len(missing) != 1 {
		t.Fatalf("unexpected orphan result -- missing %v, err %v", missing,
			err)
	}

	// The chain knows the block transactions before the mempool is told.
	mp.cfg.Chain.(fakeTxChain)[blockTx.TxHash()] = struct{}{}
	params := chaincfg.SimNetParams()
	block := testBlock(params, params.GenesisBlock, coinbaseTx(1, 1), mined,
		blockTx)
	mp.BlockConnected(block)

	for _, tx := range []*wire.MsgTx{mined, conflict, redeemer} {
		hash := tx.TxHash()
		if mp.HaveTx(&hash) {
			t.Fatalf("transaction %v still in the pool", hash)
		}
	}
	for _, tx := range []*wire.MsgTx{unrelated, orphan} {
		hash := tx.TxHash()
		if _, err := mp.FetchTx(&hash); err != nil {
			t.Fatalf("transaction %v not in the pool: %v", hash, err)
		}
	}
	if mp.Count() != 2 {
		t.Fatalf("unexpected pool size %d", mp.Count())
	}
}
