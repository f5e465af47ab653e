// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bloom"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
)

// loadFilter returns a peer filter loaded with the provided elements.
func loadFilter(flags netwire.BloomUpdateType, elements ...[]byte) *peerFilter {
	filter := bloom.NewFilter(uint32(len(elements)), 0, 0.0001,
		btcwire.BloomUpdateType(flags))
	for _, element := range elements {
		filter.Add(element)
	}
	msg := filter.MsgFilterLoad()
	f := newPeerFilter()
	f.Load(netwire.NewMsgFilterLoad(msg.Filter, msg.HashFuncs, msg.Tweak,
		flags))
	return f
}

// p2pkhScript returns a pay-to-pubkey-hash script paying to the hash.
func p2pkhScript(pkHash []byte) []byte {
	script := []byte{0x76, 0xa9, 0x14}
	script = append(script, pkHash...)
	return append(script, 0x88, 0xac)
}

// TestPeerFilterMatch ensures transactions are matched by their outputs and
// the outpoints they spend.
func TestPeerFilterMatch(t *testing.T) {
	pkHash := bytes.Repeat([]byte{0x42}, 20)

	// funding pays to the watched script and spending spends its output.
	funding := testTx(1)
	funding.TxOut[0].PkScript = p2pkhScript(pkHash)
	fundingHash := funding.TxHash()
	spending := wire.NewMsgTx()
	spending.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&fundingHash, 0,
		wire.TxTreeRegular), 1e8, nil))
	spending.AddTxOut(wire.NewTxOut(1e8, []byte{0x51}))
	unrelated := testTx(2)

	tests := []struct {
		name          string
		flags         netwire.BloomUpdateType
		wantSpendings bool
	}{{
		name:          "update all",
		flags:         netwire.BloomUpdateAll,
		wantSpendings: true,
	}, {
		name:          "update none",
		flags:         netwire.BloomUpdateNone,
		wantSpendings: false,
	}, {
		name:          "update pubkey only",
		flags:         netwire.BloomUpdateP2PubkeyOnly,
		wantSpendings: false,
	}}

	for _, test := range tests {
		f := loadFilter(test.flags, pkHash)
		if !f.IsLoaded() {
			t.Fatalf("%s: filter not loaded", test.name)
		}
		if !f.MatchTxAndUpdate(funding) {
			t.Fatalf("%s: funding transaction not matched", test.name)
		}
		if got := f.MatchTxAndUpdate(spending); got != test.wantSpendings {
			t.Fatalf("%s: unexpected spending match -- got %v, want %v",
				test.name, got, test.wantSpendings)
		}
		if f.MatchTxAndUpdate(unrelated) {
			t.Fatalf("%s: unrelated transaction matched", test.name)
		}
	}

	// Elements added later are matched.
	f := loadFilter(netwire.BloomUpdateNone, pkHash)
	unrelatedHash := unrelated.TxHash()
	if !f.Add(unrelatedHash[:]) {
		t.Fatal("failed to add to a loaded filter")
	}
	if !f.MatchTxAndUpdate(unrelated) {
		t.Fatal("added transaction hash not matched")
	}

	// Nothing matches once the filter is unloaded.
	if !f.Unload() {
		t.Fatal("failed to unload a loaded filter")
	}
	if f.IsLoaded() || f.MatchTxAndUpdate(funding) {
		t.Fatal("unloaded filter matched a transaction")
	}
	if f.Add(pkHash) || f.Unload() {
		t.Fatal("unloaded filter was modified")
	}
}

// TestMerkleBlock ensures merkle blocks carry the hashes and flags proving the
// matched transactions.
func TestMerkleBlock(t *testing.T) {
	txns := []*wire.MsgTx{testTx(0), testTx(1), testTx(2)}
	block := testBlock(1, nil, txns...)
	txHash := func(i int) []byte {
		hash := txns[i].TxHash()
		return hash[:]
	}

	tests := []struct {
		name        string
		elements    [][]byte
		wantHashes  int
		wantFlags   []byte
		wantMatched []uint32
	}{{
		name:       "no matches",
		elements:   [][]byte{{0x01}},
		wantHashes: 1,
		wantFlags:  []byte{0x00},
	}, {
		name:        "single match",
		elements:    [][]byte{txHash(1)},
		wantHashes:  3,
		wantFlags:   []byte{0x0b},
		wantMatched: []uint32{1},
	}, {
		name:        "all matched",
		elements:    [][]byte{txHash(0), txHash(1), txHash(2)},
		wantHashes:  3,
		wantFlags:   []byte{0x3f},
		wantMatched: []uint32{0, 1, 2},
	}}

	for _, test := range tests {
		f := loadFilter(netwire.BloomUpdateNone, test.elements...)
		msg, matched := f.MerkleBlock(block)
		if msg.Transactions != uint32(len(txns)) {
			t.Errorf("%s: unexpected transaction count %d", test.name,
				msg.Transactions)
			continue
		}
		if len(msg.Hashes) != test.wantHashes {
			t.Errorf("%s: unexpected number of hashes -- got %d, want %d",
				test.name, len(msg.Hashes), test.wantHashes)
			continue
		}
		if !bytes.Equal(msg.Flags, test.wantFlags) {
			t.Errorf("%s: unexpected flags -- got %x, want %x", test.name,
				msg.Flags, test.wantFlags)
		}
		if len(matched) != len(test.wantMatched) {
			t.Errorf("%s: unexpected matches %v", test.name, matched)
			continue
		}
		for i := range matched {
			if matched[i] != test.wantMatched[i] {
				t.Errorf("%s: unexpected matches %v", test.name, matched)
				break
			}
		}
	}

	// A block without matches is proven by its merkle root alone.
	f := loadFilter(netwire.BloomUpdateNone, []byte{0x01})
	msg, _ := f.MerkleBlock(block)
	if root := standalone.CalcTxTreeMerkleRoot(txns); *msg.Hashes[0] != root {
		t.Fatalf("unexpected root hash %v, want %v", msg.Hashes[0], root)
	}
}
