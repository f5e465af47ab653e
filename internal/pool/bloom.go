// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2016-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil/bloom"
	btcchainhash "github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/stdscript"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
	"github.com/jrick/bitset"
)

// peerFilter is the bloom filter a remote peer loaded with filterload.  It
// decides which transactions are relayed to the peer and which transactions
// of a block are included in merkle blocks served to it.
type peerFilter struct {
	mtx    sync.Mutex
	filter *bloom.Filter
	flags  netwire.BloomUpdateType
}

// newPeerFilter returns a filter that is not loaded.
func newPeerFilter() *peerFilter {
	return &peerFilter{filter: bloom.LoadFilter(nil)}
}

// IsLoaded returns whether a filter is loaded.
func (f *peerFilter) IsLoaded() bool {
	return f.filter.IsLoaded()
}

// Load replaces the filter with the one described by the filterload message.
func (f *peerFilter) Load(msg *netwire.MsgFilterLoad) {
	f.mtx.Lock()
	f.filter.Reload(&btcwire.MsgFilterLoad{
		Filter:    msg.Filter,
		HashFuncs: msg.HashFuncs,
		Tweak:     msg.Tweak,
		Flags:     btcwire.BloomUpdateType(msg.Flags),
	})
	f.flags = msg.Flags
	f.mtx.Unlock()
}

// Add inserts a data element into a loaded filter.  It returns false when no
// filter is loaded.
func (f *peerFilter) Add(data []byte) bool {
	if !f.filter.IsLoaded() {
		return false
	}
	f.filter.Add(data)
	return true
}

// Unload clears the filter.  It returns false when no filter was loaded.
func (f *peerFilter) Unload() bool {
	if !f.filter.IsLoaded() {
		return false
	}
	f.filter.Unload()
	return true
}

// btcOutPoint converts an outpoint to the form the filter hashes.  The tree
// of the outpoint is not part of the filter element.
func btcOutPoint(op *wire.OutPoint) *btcwire.OutPoint {
	return &btcwire.OutPoint{
		Hash:  btcchainhash.Hash(op.Hash),
		Index: op.Index,
	}
}

// matchScript returns whether any data push of the script matches the filter.
func (f *peerFilter) matchScript(version uint16, script []byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(version, script)
	for tokenizer.Next() {
		if data := tokenizer.Data(); len(data) != 0 && f.filter.Matches(data) {
			return true
		}
	}
	return false
}

// maybeAddOutPoint inserts the outpoint of a matched output into the filter as
// dictated by the update flags of the filter.
func (f *peerFilter) maybeAddOutPoint(version uint16, pkScript []byte, op *wire.OutPoint) {
	switch f.flags {
	case netwire.BloomUpdateAll:
		f.filter.AddOutPoint(btcOutPoint(op))

	case netwire.BloomUpdateP2PubkeyOnly:
		switch stdscript.DetermineScriptType(version, pkScript) {
		case stdscript.STPubKeyEcdsaSecp256k1, stdscript.STPubKeyEd25519,
			stdscript.STPubKeySchnorrSecp256k1, stdscript.STMultiSig:

			f.filter.AddOutPoint(btcOutPoint(op))
		}
	}
}

// MatchTxAndUpdate returns whether the transaction matches the filter.  A
// transaction matches when its hash, a data push of one of its output
// scripts, an outpoint it spends or a data push of one of its signature
// scripts is in the filter.  Outpoints of matched outputs are added to the
// filter according to its update flags so that transactions spending them
// match as well.
func (f *peerFilter) MatchTxAndUpdate(tx *wire.MsgTx) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if !f.filter.IsLoaded() {
		return false
	}

	txHash := tx.TxHash()
	matched := f.filter.Matches(txHash[:])
	for i, txOut := range tx.TxOut {
		if !f.matchScript(txOut.Version, txOut.PkScript) {
			continue
		}
		matched = true
		op := wire.NewOutPoint(&txHash, uint32(i), wire.TxTreeRegular)
		f.maybeAddOutPoint(txOut.Version, txOut.PkScript, op)
	}
	if matched {
		return true
	}

	for _, txIn := range tx.TxIn {
		if f.filter.MatchesOutPoint(btcOutPoint(&txIn.PreviousOutPoint)) {
			return true
		}
		if f.matchScript(0, txIn.SignatureScript) {
			return true
		}
	}
	return false
}

// partialMerkleTree builds the flags and hashes of a merkle block that prove
// the inclusion of the matched transactions of a block.
type partialMerkleTree struct {
	numTx       uint32
	allHashes   []chainhash.Hash
	finalHashes []*chainhash.Hash
	matched     []bool
	bits        []bool
}

// calcTreeWidth returns the number of nodes at the provided tree height.
func (m *partialMerkleTree) calcTreeWidth(height uint32) uint32 {
	return (m.numTx + (1 << height) - 1) >> height
}

// calcHash returns the hash of the node at the provided height and position.
// A node without a right sibling is hashed with itself.
func (m *partialMerkleTree) calcHash(height, pos uint32) *chainhash.Hash {
	if height == 0 {
		return &m.allHashes[pos]
	}

	left := m.calcHash(height-1, pos*2)
	right := left
	if pos*2+1 < m.calcTreeWidth(height-1) {
		right = m.calcHash(height-1, pos*2+1)
	}

	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	hash := chainhash.HashH(buf[:])
	return &hash
}

// traverseAndBuild walks the tree depth first recording a flag per visited
// node and the hashes of the nodes that are not descended into.
func (m *partialMerkleTree) traverseAndBuild(height, pos uint32) {
	var isParent bool
	for i := pos << height; i < (pos+1)<<height && i < m.numTx; i++ {
		isParent = isParent || m.matched[i]
	}
	m.bits = append(m.bits, isParent)

	if height == 0 || !isParent {
		m.finalHashes = append(m.finalHashes, m.calcHash(height, pos))
		return
	}

	m.traverseAndBuild(height-1, pos*2)
	if pos*2+1 < m.calcTreeWidth(height-1) {
		m.traverseAndBuild(height-1, pos*2+1)
	}
}

// MerkleBlock returns a merkle block of the regular transaction tree of the
// block along with the indexes of the matched transactions, which must be sent
// after it.
func (f *peerFilter) MerkleBlock(block *wire.MsgBlock) (*netwire.MsgMerkleBlock, []uint32) {
	numTx := uint32(len(block.Transactions))
	m := partialMerkleTree{
		numTx:     numTx,
		allHashes: make([]chainhash.Hash, 0, numTx),
		matched:   make([]bool, 0, numTx),
	}

	var matchedIndexes []uint32
	for i, tx := range block.Transactions {
		isMatch := f.MatchTxAndUpdate(tx)
		if isMatch {
			matchedIndexes = append(matchedIndexes, uint32(i))
		}
		m.matched = append(m.matched, isMatch)
		m.allHashes = append(m.allHashes, tx.TxHashFull())
	}

	msg := netwire.NewMsgMerkleBlock(&block.Header)
	msg.Transactions = numTx
	if numTx == 0 {
		return msg, nil
	}

	var height uint32
	for m.calcTreeWidth(height) > 1 {
		height++
	}
	m.traverseAndBuild(height, 0)

	for _, hash := range m.finalHashes {
		msg.AddTxHash(hash)
	}
	flags := bitset.NewBytes(len(m.bits))
	for i, bit := range m.bits {
		if bit {
			flags.Set(i)
		}
	}
	msg.Flags = []byte(flags)
	return msg, matchedIndexes
}
