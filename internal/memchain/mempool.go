// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memchain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/internal/pool"
	"github.com/decred/dcrp2p/netwire"
)

const (
	// DefaultMaxOrphanTxs is the default number of orphan transactions
	// that can be queued.
	DefaultMaxOrphanTxs = 100

	// DefaultMinRelayTxFee is the default minimum fee in atoms per kilobyte
	// a transaction must pay to be accepted.
	DefaultMinRelayTxFee = 1e4

	// maxOrphanTxSize is the maximum size allowed for orphan transactions.
	maxOrphanTxSize = 100000

	// orphanTTL is the maximum amount of time an orphan is allowed to stay
	// in the orphan pool before it expires and is evicted during the next
	// scan.
	orphanTTL = 15 * time.Minute

	// orphanExpireScanInterval is the minimum amount of time in between
	// scans of the orphan pool to evict expired transactions.
	orphanExpireScanInterval = 5 * time.Minute

	// maxRejectedTxns is the number of recently rejected transactions that
	// are remembered.
	maxRejectedTxns = 1000
)

// TxChain provides the transactions that are already part of the best chain.
type TxChain interface {
	HaveTx(hash *chainhash.Hash) bool
}

// MempoolConfig is the configuration of the transaction memory pool.
type MempoolConfig struct {
	// ChainParams identifies the network.
	ChainParams *chaincfg.Params

	// Chain is consulted for parents of transactions that are not in the
	// pool.
	Chain TxChain

	// MaxOrphanTxs is the maximum number of orphan transactions that can
	// be queued.  Zero selects DefaultMaxOrphanTxs and a negative value
	// disables the orphan pool.
	MaxOrphanTxs int

	// MinRelayTxFee is the minimum fee in atoms per kilobyte.  Zero selects
	// DefaultMinRelayTxFee.
	MinRelayTxFee int64
}

// txDesc is a transaction of the pool.
type txDesc struct {
	tx      *wire.MsgTx
	added   time.Time
	fee     int64
	feeRate int64
}

// orphanTx is a transaction whose parents are not all known.
type orphanTx struct {
	tx         *wire.MsgTx
	peerID     int32
	expiration time.Time
}

// Mempool is an in-memory pool of unconfirmed transactions.  It enforces the
// sanity of transactions, refuses double spends of pooled outputs and holds
// transactions with unknown parents as orphans until the parents arrive.
// Inputs are valued by the amounts the transactions commit to in their
// witnesses, so signatures and spent amounts are not verified.
type Mempool struct {
	cfg       MempoolConfig
	maxTxSize uint64

	mtx            sync.RWMutex
	pool           map[chainhash.Hash]*txDesc
	outpoints      map[wire.OutPoint]chainhash.Hash
	orphans        map[chainhash.Hash]*orphanTx
	orphansByPrev  map[wire.OutPoint]map[chainhash.Hash]*wire.MsgTx
	nextExpireScan time.Time
	rejects        *lru.Set[chainhash.Hash]
}

// Ensure Mempool implements the pool.Mempool interface.
var _ pool.Mempool = (*Mempool)(nil)

// NewMempool returns an empty transaction memory pool.
func NewMempool(cfg *MempoolConfig) *Mempool {
	mpCfg := *cfg
	if mpCfg.MaxOrphanTxs == 0 {
		mpCfg.MaxOrphanTxs = DefaultMaxOrphanTxs
	}
	if mpCfg.MinRelayTxFee == 0 {
		mpCfg.MinRelayTxFee = DefaultMinRelayTxFee
	}
	return &Mempool{
		cfg:            mpCfg,
		maxTxSize:      uint64(cfg.ChainParams.MaxTxSize),
		pool:           make(map[chainhash.Hash]*txDesc),
		outpoints:      make(map[wire.OutPoint]chainhash.Hash),
		orphans:        make(map[chainhash.Hash]*orphanTx),
		orphansByPrev:  make(map[wire.OutPoint]map[chainhash.Hash]*wire.MsgTx),
		nextExpireScan: time.Now().Add(orphanExpireScanInterval),
		rejects:        lru.NewSet[chainhash.Hash](maxRejectedTxns),
	}
}

// Count returns the number of transactions in the main pool.  It does not
// include the orphan pool.
//
// This function is safe for concurrent access.
func (mp *Mempool) Count() int {
	mp.mtx.RLock()
	count := len(mp.pool)
	mp.mtx.RUnlock()
	return count
}

// HaveTx returns whether the transaction is in the pool, including the orphan
// pool.
//
// This function is safe for concurrent access.
func (mp *Mempool) HaveTx(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	_, ok := mp.pool[*hash]
	if !ok {
		_, ok = mp.orphans[*hash]
	}
	mp.mtx.RUnlock()
	return ok
}

// IsOrphanInPool returns whether the transaction is in the orphan pool.
//
// This function is safe for concurrent access.
func (mp *Mempool) IsOrphanInPool(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	_, ok := mp.orphans[*hash]
	mp.mtx.RUnlock()
	return ok
}

// HasReject returns whether the transaction was recently rejected.
//
// This function is safe for concurrent access.
func (mp *Mempool) HasReject(hash *chainhash.Hash) bool {
	return mp.rejects.Contains(*hash)
}

// FetchTx returns a transaction of the main pool.
//
// This function is safe for concurrent access.
func (mp *Mempool) FetchTx(hash *chainhash.Hash) (*wire.MsgTx, error) {
	mp.mtx.RLock()
	desc, ok := mp.pool[*hash]
	mp.mtx.RUnlock()
	if !ok {
		str := fmt.Sprintf("transaction %v is not in the pool", hash)
		return nil, makeError(ErrTxNotFound, str)
	}
	return desc.tx, nil
}

// TxHashes returns the hashes of all transactions of the main pool.
//
// This function is safe for concurrent access.
func (mp *Mempool) TxHashes() []chainhash.Hash {
	mp.mtx.RLock()
	hashes := make([]chainhash.Hash, 0, len(mp.pool))
	for hash := range mp.pool {
		hashes = append(hashes, hash)
	}
	mp.mtx.RUnlock()
	return hashes
}

// FeeRate returns the fee rate of a pooled transaction in atoms per kilobyte.
// Unknown transactions report zero.
//
// This function is safe for concurrent access.
func (mp *Mempool) FeeRate(hash *chainhash.Hash) int64 {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	if desc, ok := mp.pool[*hash]; ok {
		return desc.feeRate
	}
	return 0
}

// removeOrphan removes the passed orphan transaction from the orphan pool and
// previous orphan index.  Orphans that redeem outputs of the transaction are
// removed too when requested.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) removeOrphan(tx *wire.MsgTx, removeRedeemers bool) {
	txHash := tx.TxHash()
	otx, exists := mp.orphans[txHash]
	if !exists {
		return
	}

	log.Tracef("Removing orphan transaction %v", txHash)

	// Remove the reference from the previous orphan index.
	for _, txIn := range otx.tx.TxIn {
		orphans, exists := mp.orphansByPrev[txIn.PreviousOutPoint]
		if exists {
			delete(orphans, txHash)
			if len(orphans) == 0 {
				delete(mp.orphansByPrev, txIn.PreviousOutPoint)
			}
		}
	}

	delete(mp.orphans, txHash)
	if removeRedeemers {
		mp.removeOrphanRedeemers(tx)
	}
}

// removeOrphanRedeemers removes the orphans that redeem outputs of the
// transaction, along with their own redeemers.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) removeOrphanRedeemers(tx *wire.MsgTx) {
	prevOut := wire.OutPoint{Hash: tx.TxHash(), Tree: wire.TxTreeRegular}
	for txOutIdx := range tx.TxOut {
		prevOut.Index = uint32(txOutIdx)
		for _, orphan := range mp.orphansByPrev[prevOut] {
			mp.removeOrphan(orphan, true)
		}
	}
}

// limitNumOrphans evicts expired orphans when it is time for a scan, and a
// random orphan when adding another one would exceed the limit.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) limitNumOrphans() {
	if now := time.Now(); now.After(mp.nextExpireScan) {
		origNumOrphans := len(mp.orphans)
		for _, otx := range mp.orphans {
			if now.After(otx.expiration) {
				mp.removeOrphan(otx.tx, true)
			}
		}
		mp.nextExpireScan = now.Add(orphanExpireScanInterval)

		numOrphans := len(mp.orphans)
		if numExpired := origNumOrphans - numOrphans; numExpired > 0 {
			log.Debugf("Expired %d orphans (remaining: %d)", numExpired,
				numOrphans)
		}
	}

	if len(mp.orphans)+1 <= mp.cfg.MaxOrphanTxs {
		return
	}

	// Remove a random entry from the map.  The iteration order is not
	// important here because an adversary would have to be able to pull
	// off preimage attacks on the hashing function in order to target
	// eviction of specific entries anyways.
	for _, otx := range mp.orphans {
		mp.removeOrphan(otx.tx, false)
		break
	}
}

// addOrphan adds an orphan transaction to the orphan pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) addOrphan(tx *wire.MsgTx, hash chainhash.Hash, peerID int32) {
	if mp.cfg.MaxOrphanTxs <= 0 {
		return
	}
	mp.limitNumOrphans()

	mp.orphans[hash] = &orphanTx{
		tx:         tx,
		peerID:     peerID,
		expiration: time.Now().Add(orphanTTL),
	}
	for _, txIn := range tx.TxIn {
		prevOut := txIn.PreviousOutPoint
		if _, exists := mp.orphansByPrev[prevOut]; !exists {
			mp.orphansByPrev[prevOut] = make(map[chainhash.Hash]*wire.MsgTx)
		}
		mp.orphansByPrev[prevOut][hash] = tx
	}

	log.Debugf("Stored orphan transaction %v (total: %d)", hash,
		len(mp.orphans))
}

// removeTx removes a transaction from the main pool along with the pooled
// transactions that spend its outputs when requested.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) removeTx(hash chainhash.Hash, removeRedeemers bool) {
	desc, ok := mp.pool[hash]
	if !ok {
		return
	}

	if removeRedeemers {
		prevOut := wire.OutPoint{Hash: hash, Tree: wire.TxTreeRegular}
		for txOutIdx := range desc.tx.TxOut {
			prevOut.Index = uint32(txOutIdx)
			if spender, ok := mp.outpoints[prevOut]; ok {
				mp.removeTx(spender, true)
			}
		}
	}

	for _, txIn := range desc.tx.TxIn {
		delete(mp.outpoints, txIn.PreviousOutPoint)
	}
	delete(mp.pool, hash)
}

// checkTx checks a transaction for acceptance to the main pool.  It returns
// the fee paid by the transaction along with the hashes of any parents that
// are neither pooled nor part of the chain.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *Mempool) checkTx(tx *wire.MsgTx, hash *chainhash.Hash) (int64, []chainhash.Hash, error) {
	if _, ok := mp.pool[*hash]; ok {
		str := fmt.Sprintf("already have transaction %v", hash)
		return 0, nil, ruleError(netwire.RejectDuplicate, str, 0)
	}
	if _, ok := mp.orphans[*hash]; ok {
		str := fmt.Sprintf("already have transaction (orphan) %v", hash)
		return 0, nil, ruleError(netwire.RejectDuplicate, str, 0)
	}

	if err := standalone.CheckTransactionSanity(tx, mp.maxTxSize); err != nil {
		return 0, nil, ruleError(netwire.RejectInvalid, err.Error(), 100)
	}

	// Coinbase and stake transactions only belong in blocks.
	if standalone.IsCoinBaseTx(tx, false) {
		str := fmt.Sprintf("transaction %v is an individual coinbase", hash)
		return 0, nil, ruleError(netwire.RejectInvalid, str, 100)
	}
	for _, txIn := range tx.TxIn {
		prevOut := &txIn.PreviousOutPoint
		if prevOut.Hash == (chainhash.Hash{}) || prevOut.Tree != wire.TxTreeRegular {
			str := fmt.Sprintf("transaction %v spends a non-standard "+
				"outpoint %v", hash, prevOut)
			return 0, nil, ruleError(netwire.RejectNonstandard, str, 0)
		}
	}

	var valueIn, valueOut int64
	var missing []chainhash.Hash
	seen := make(map[chainhash.Hash]struct{})
	for _, txIn := range tx.TxIn {
		prevOut := txIn.PreviousOutPoint
		if spender, ok := mp.outpoints[prevOut]; ok {
			str := fmt.Sprintf("output %v already spent by transaction %v "+
				"in the memory pool", prevOut, spender)
			return 0, nil, ruleError(netwire.RejectDuplicate, str, 0)
		}
		valueIn += txIn.ValueIn

		if _, ok := seen[prevOut.Hash]; ok {
			continue
		}
		seen[prevOut.Hash] = struct{}{}
		if parent, ok := mp.pool[prevOut.Hash]; ok {
			if prevOut.Index >= uint32(len(parent.tx.TxOut)) {
				str := fmt.Sprintf("transaction %v spends output %v which "+
					"does not exist", hash, prevOut)
				return 0, nil, ruleError(netwire.RejectInvalid, str, 100)
			}
			continue
		}
		if !mp.cfg.Chain.HaveTx(&prevOut.Hash) {
			missing = append(missing, prevOut.Hash)
		}
	}
	for _, txOut := range tx.TxOut {
		valueOut += txOut.Value
	}

	fee := valueIn - valueOut
	if fee < 0 {
		str := fmt.Sprintf("total value of all transaction inputs for "+
			"transaction %v is %d which is less than the amount spent of %d",
			hash, valueIn, valueOut)
		return 0, nil, ruleError(netwire.RejectInvalid, str, 100)
	}
	return fee, missing, nil
}

// feeRate returns the fee rate in atoms per kilobyte of a transaction with the
// provided fee.
func feeRate(tx *wire.MsgTx, fee int64) int64 {
	return fee * 1000 / int64(tx.SerializeSize())
}

// maybeAcceptTx adds the transaction to the main pool when all of its parents
// are known, or returns the missing parents.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) maybeAcceptTx(tx *wire.MsgTx, hash chainhash.Hash) ([]chainhash.Hash, error) {
	fee, missing, err := mp.checkTx(tx, &hash)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return missing, nil
	}

	rate := feeRate(tx, fee)
	if rate < mp.cfg.MinRelayTxFee {
		str := fmt.Sprintf("transaction %v has a fee rate of %d atoms/kB "+
			"which is under the required amount of %d", hash, rate,
			mp.cfg.MinRelayTxFee)
		return nil, ruleError(netwire.RejectInsufficientFee, str, 0)
	}

	mp.pool[hash] = &txDesc{tx: tx, added: time.Now(), fee: fee, feeRate: rate}
	for _, txIn := range tx.TxIn {
		mp.outpoints[txIn.PreviousOutPoint] = hash
	}
	log.Debugf("Accepted transaction %v (pool size: %d)", hash, len(mp.pool))
	return nil, nil
}

// processOrphans accepts the orphans that redeem outputs of the transaction
// and, in turn, the orphans that depend on them.  Orphans that fail any other
// check are discarded along with their redeemers.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *Mempool) processOrphans(acceptedTx *wire.MsgTx) {
	processList := []*wire.MsgTx{acceptedTx}
	for len(processList) > 0 {
		processItem := processList[0]
		processList = processList[1:]

		prevOut := wire.OutPoint{
			Hash: processItem.TxHash(),
			Tree: wire.TxTreeRegular,
		}
		for txOutIdx := range processItem.TxOut {
			prevOut.Index = uint32(txOutIdx)
			orphans := make([]*wire.MsgTx, 0, len(mp.orphansByPrev[prevOut]))
			for _, tx := range mp.orphansByPrev[prevOut] {
				orphans = append(orphans, tx)
			}
			for _, tx := range orphans {
				// Redeemers of discarded orphans may already be gone.
				hash := tx.TxHash()
				otx, ok := mp.orphans[hash]
				if !ok {
					continue
				}
				peerID := otx.peerID
				mp.removeOrphan(tx, false)
				missing, err := mp.maybeAcceptTx(tx, hash)
				if err != nil {
					log.Debugf("Discarding orphan transaction %v: %v", hash,
						err)
					mp.removeOrphanRedeemers(tx)
					continue
				}
				if len(missing) > 0 {
					mp.addOrphan(tx, hash, peerID)
					continue
				}
				processList = append(processList, tx)
			}
		}
	}
}

// AddTx validates the transaction and adds it to the pool.  The hashes of the
// missing parents are returned when the transaction is an orphan, in which
// case it is kept in the orphan pool.  Orphans that become acceptable are
// added to the main pool.  Failed checks are reported as *pool.VerifyError.
//
// This function is safe for concurrent access.
func (mp *Mempool) AddTx(tx *wire.MsgTx, peerID int32) ([]chainhash.Hash, error) {
	hash := tx.TxHash()

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	missing, err := mp.maybeAcceptTx(tx, hash)
	if err != nil {
		var vErr *pool.VerifyError
		if errors.As(err, &vErr) && vErr.Code != netwire.RejectDuplicate {
			mp.rejects.Put(hash)
		}
		return nil, err
	}
	if len(missing) > 0 {
		if tx.SerializeSize() > maxOrphanTxSize {
			str := fmt.Sprintf("orphan transaction size of %d bytes is "+
				"larger than max allowed size of %d bytes",
				tx.SerializeSize(), maxOrphanTxSize)
			return nil, ruleError(netwire.RejectNonstandard, str, 0)
		}
		mp.addOrphan(tx, hash, peerID)
		return missing, nil
	}
	mp.processOrphans(tx)
	return nil, nil
}

// BlockConnected removes the transactions of a newly connected block from the
// pool along with the pooled transactions that double spend them.  Orphans
// that redeem outputs of the block are then processed.
//
// This function is safe for concurrent access.
func (mp *Mempool) BlockConnected(block *wire.MsgBlock) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	for _, tx := range block.Transactions {
		hash := tx.TxHash()
		mp.removeTx(hash, false)
		mp.removeOrphan(tx, false)
		mp.rejects.Delete(hash)

		for _, txIn := range tx.TxIn {
			if spender, ok := mp.outpoints[txIn.PreviousOutPoint]; ok {
				log.Debugf("Removing double spend %v of block transaction %v",
					spender, hash)
				mp.removeTx(spender, true)
			}
		}
	}
	for _, tx := range block.Transactions {
		mp.processOrphans(tx)
	}
}
