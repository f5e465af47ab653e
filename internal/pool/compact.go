// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
)

// errCmpctCollision is returned when the short ids of a compact block can't
// be mapped to transactions unambiguously.  The full block must be requested
// instead.
var errCmpctCollision = errors.New("short id collision")

// newCmpctBlock returns the compact form of the block.  The coinbase is always
// prefilled while every other transaction of the regular tree is replaced by
// its short id.  Blocks with stake transactions can't be represented and nil
// is returned for them.
func newCmpctBlock(block *wire.MsgBlock) (*netwire.MsgCmpctBlock, error) {
	if len(block.STransactions) != 0 || len(block.Transactions) == 0 {
		return nil, nil
	}

	msg := &netwire.MsgCmpctBlock{
		Header: block.Header,
		Nonce:  rand.Uint64(),
		Prefilled: []netwire.PrefilledTx{{
			Index: 0,
			Tx:    block.Transactions[0],
		}},
	}
	key, err := netwire.NewShortIDKey(&msg.Header, msg.Nonce)
	if err != nil {
		return nil, err
	}
	msg.ShortIDs = make([]uint64, 0, len(block.Transactions)-1)
	for _, tx := range block.Transactions[1:] {
		txHash := tx.TxHash()
		msg.ShortIDs = append(msg.ShortIDs, key.ShortID(&txHash))
	}
	return msg, nil
}

// cmpctBlockState tracks the reconstruction of a block announced with a
// compact block.
type cmpctBlockState struct {
	header wire.BlockHeader
	txns   []*wire.MsgTx
}

// missing returns the indexes of the transactions that are still unknown.
func (s *cmpctBlockState) missing() []uint32 {
	var indexes []uint32
	for i, tx := range s.txns {
		if tx == nil {
			indexes = append(indexes, uint32(i))
		}
	}
	return indexes
}

// fill places the transactions of a blocktxn message into the missing slots
// in order.  All of them must be provided.
func (s *cmpctBlockState) fill(txns []*wire.MsgTx) error {
	missing := s.missing()
	if len(missing) != len(txns) {
		return fmt.Errorf("expected %d transactions, got %d", len(missing),
			len(txns))
	}
	for i, idx := range missing {
		s.txns[idx] = txns[i]
	}
	return nil
}

// block returns the reconstructed block once no transaction is missing.  The
// merkle root of the reconstructed transactions must match the header so a
// wrong fill from colliding short ids is detected before validation.
func (s *cmpctBlockState) block() (*wire.MsgBlock, error) {
	if len(s.missing()) != 0 {
		return nil, errors.New("block is incomplete")
	}
	root := standalone.CalcTxTreeMerkleRoot(s.txns)
	if root != s.header.MerkleRoot {
		return nil, errCmpctCollision
	}
	return &wire.MsgBlock{
		Header:       s.header,
		Transactions: s.txns,
	}, nil
}

// newCmpctBlockState maps the prefilled transactions and short ids of the
// compact block to transactions of the mempool.  Short ids that appear twice
// in the announcement or match two mempool transactions make the block
// unrecoverable from the compact form.
func newCmpctBlockState(msg *netwire.MsgCmpctBlock, mempool Mempool) (*cmpctBlockState, error) {
	total := len(msg.ShortIDs) + len(msg.Prefilled)
	if total == 0 || total > netwire.MaxCmpctTxs {
		return nil, fmt.Errorf("invalid transaction count %d", total)
	}

	state := &cmpctBlockState{
		header: msg.Header,
		txns:   make([]*wire.MsgTx, total),
	}
	prefilled := make([]bool, total)
	for _, pf := range msg.Prefilled {
		if int(pf.Index) >= total || prefilled[pf.Index] || pf.Tx == nil {
			return nil, fmt.Errorf("invalid prefilled transaction index %d",
				pf.Index)
		}
		state.txns[pf.Index] = pf.Tx
		prefilled[pf.Index] = true
	}

	// Assign the short ids to the slots that were not prefilled in order.
	slots := make(map[uint64]int, len(msg.ShortIDs))
	next := 0
	for _, id := range msg.ShortIDs {
		for prefilled[next] {
			next++
		}
		if _, ok := slots[id]; ok {
			return nil, errCmpctCollision
		}
		slots[id] = next
		next++
	}

	key, err := netwire.NewShortIDKey(&msg.Header, msg.Nonce)
	if err != nil {
		return nil, err
	}
	filled := make(map[int]chainhash.Hash)
	for _, txHash := range mempool.TxHashes() {
		txHash := txHash
		slot, ok := slots[key.ShortID(&txHash)]
		if !ok {
			continue
		}
		if _, ok := filled[slot]; ok {
			return nil, errCmpctCollision
		}
		tx, err := mempool.FetchTx(&txHash)
		if err != nil {
			continue
		}
		filled[slot] = txHash
		state.txns[slot] = tx
	}
	return state, nil
}

// newGetBlockTxn returns the request for the transactions missing from a
// partially reconstructed block.
func newGetBlockTxn(hash *chainhash.Hash, missing []uint32) *netwire.MsgGetBlockTxn {
	return &netwire.MsgGetBlockTxn{BlockHash: *hash, Indexes: missing}
}

// newBlockTxn answers a getblocktxn request from the transactions of the
// block.
func newBlockTxn(block *wire.MsgBlock, indexes []uint32) (*netwire.MsgBlockTxn, error) {
	msg := &netwire.MsgBlockTxn{
		BlockHash:    block.BlockHash(),
		Transactions: make([]*wire.MsgTx, 0, len(indexes)),
	}
	for _, idx := range indexes {
		if int(idx) >= len(block.Transactions) {
			return nil, fmt.Errorf("transaction index %d out of range", idx)
		}
		msg.Transactions = append(msg.Transactions, block.Transactions[idx])
	}
	return msg, nil
}
