// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package memchain

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/internal/pool"
	"github.com/decred/dcrp2p/netwire"
)

const (
	// maxOrphanBlocks is the maximum number of orphan blocks that can be
	// queued.
	maxOrphanBlocks = 500

	// orphanExpiration is how long an orphan block is kept before it is
	// evicted.
	orphanExpiration = time.Hour

	// maxTimeOffset is how far in the future a block timestamp may be.
	maxTimeOffset = 2 * time.Hour

	// locatorDenseEntries is the number of consecutive blocks at the start
	// of a block locator before the step between entries starts doubling.
	locatorDenseEntries = 10
)

// blockNode is a block of the block index.
type blockNode struct {
	hash   chainhash.Hash
	height int64
	block  *wire.MsgBlock
	parent *blockNode
}

// orphanBlock is a block whose parent is not known yet.
type orphanBlock struct {
	block      *wire.MsgBlock
	hash       chainhash.Hash
	expiration time.Time
}

// Config is the configuration of the chain.
type Config struct {
	// ChainParams identifies the network and provides the genesis block.
	ChainParams *chaincfg.Params

	// Checkpoints are blocks the chain must contain at their heights.
	Checkpoints []pool.Checkpoint
}

// Chain is an in-memory block chain.  It checks the sanity of blocks, links
// them by their parents, follows the branch with the most blocks and keeps
// blocks with unknown parents as orphans.  Consensus rules that depend on
// transaction outputs or the stake system are not enforced.
//
// Every block is kept in memory, so the chain is meant for test networks and
// tests.
type Chain struct {
	params      *chaincfg.Params
	maxTxSize   uint64
	maxBlockLen int
	checkpoints map[int64]chainhash.Hash
	lastCheckpt int64

	mtx          sync.RWMutex
	index        map[chainhash.Hash]*blockNode
	bestChain    []*blockNode
	txIndex      map[chainhash.Hash]*blockNode
	orphans      map[chainhash.Hash]*orphanBlock
	prevOrphans  map[chainhash.Hash][]*orphanBlock
	oldestOrphan *orphanBlock
}

// Ensure Chain implements the pool.Chain interface.
var _ pool.Chain = (*Chain)(nil)

// New returns a chain holding only the genesis block of the network.
func New(cfg *Config) *Chain {
	params := cfg.ChainParams
	maxBlockLen := 0
	for _, size := range params.MaximumBlockSizes {
		maxBlockLen = max(maxBlockLen, size)
	}
	c := &Chain{
		params:      params,
		maxTxSize:   uint64(params.MaxTxSize),
		maxBlockLen: maxBlockLen,
		checkpoints: make(map[int64]chainhash.Hash, len(cfg.Checkpoints)),
		index:       make(map[chainhash.Hash]*blockNode),
		txIndex:     make(map[chainhash.Hash]*blockNode),
		orphans:     make(map[chainhash.Hash]*orphanBlock),
		prevOrphans: make(map[chainhash.Hash][]*orphanBlock),
	}
	for _, checkpoint := range cfg.Checkpoints {
		c.checkpoints[checkpoint.Height] = checkpoint.Hash
		c.lastCheckpt = max(c.lastCheckpt, checkpoint.Height)
	}

	genesis := &blockNode{
		hash:  params.GenesisBlock.BlockHash(),
		block: params.GenesisBlock,
	}
	c.index[genesis.hash] = genesis
	c.bestChain = []*blockNode{genesis}
	c.indexTransactions(genesis)
	return c
}

// tip returns the tip of the best chain.
//
// This function MUST be called with the chain lock held (for reads).
func (c *Chain) tip() *blockNode {
	return c.bestChain[len(c.bestChain)-1]
}

// inBestChain returns whether the node is part of the best chain.
//
// This function MUST be called with the chain lock held (for reads).
func (c *Chain) inBestChain(node *blockNode) bool {
	return node.height < int64(len(c.bestChain)) &&
		c.bestChain[node.height] == node
}

// ancestor returns the ancestor of the node at the provided height.
//
// This function MUST be called with the chain lock held (for reads).
func (c *Chain) ancestor(node *blockNode, height int64) *blockNode {
	if height < 0 || height > node.height {
		return nil
	}
	for !c.inBestChain(node) {
		if node.height == height {
			return node
		}
		node = node.parent
	}
	return c.bestChain[height]
}

// indexTransactions adds the transactions of the node to the transaction
// index.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) indexTransactions(node *blockNode) {
	for _, tx := range node.block.Transactions {
		c.txIndex[tx.TxHash()] = node
	}
	for _, tx := range node.block.STransactions {
		c.txIndex[tx.TxHash()] = node
	}
}

// unindexTransactions removes the transactions of the node from the
// transaction index.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) unindexTransactions(node *blockNode) {
	for _, tx := range node.block.Transactions {
		delete(c.txIndex, tx.TxHash())
	}
	for _, tx := range node.block.STransactions {
		delete(c.txIndex, tx.TxHash())
	}
}

// BestBlock returns the hash and height of the current tip.
//
// This function is safe for concurrent access.
func (c *Chain) BestBlock() (chainhash.Hash, int64) {
	c.mtx.RLock()
	tip := c.tip()
	c.mtx.RUnlock()
	return tip.hash, tip.height
}

// HaveBlock returns whether the block is known, either as part of the block
// index or as an orphan.
//
// This function is safe for concurrent access.
func (c *Chain) HaveBlock(hash *chainhash.Hash) bool {
	c.mtx.RLock()
	_, ok := c.index[*hash]
	if !ok {
		_, ok = c.orphans[*hash]
	}
	c.mtx.RUnlock()
	return ok
}

// HaveTx returns whether the transaction is part of a block of the best chain.
//
// This function is safe for concurrent access.
func (c *Chain) HaveTx(hash *chainhash.Hash) bool {
	c.mtx.RLock()
	_, ok := c.txIndex[*hash]
	c.mtx.RUnlock()
	return ok
}

// BlockByHash returns a block of the block index.
//
// This function is safe for concurrent access.
func (c *Chain) BlockByHash(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	c.mtx.RLock()
	node, ok := c.index[*hash]
	c.mtx.RUnlock()
	if !ok {
		str := fmt.Sprintf("block %v is not known", hash)
		return nil, makeError(ErrBlockNotFound, str)
	}
	return node.block, nil
}

// checkBlockSanity performs the checks of a block that do not depend on its
// position in the chain.
func (c *Chain) checkBlockSanity(block *wire.MsgBlock) error {
	header := &block.Header
	if len(block.Transactions) == 0 {
		return ruleError(netwire.RejectInvalid, "block does not contain "+
			"any transactions", 100)
	}
	if c.maxBlockLen > 0 && block.SerializeSize() > c.maxBlockLen {
		str := fmt.Sprintf("serialized block is too big - got %d, max %d",
			block.SerializeSize(), c.maxBlockLen)
		return ruleError(netwire.RejectInvalid, str, 100)
	}

	// The target difficulty must be within the limits of the network.  The
	// hash itself is not compared against it since the proof of work hash
	// function depends on agendas the chain does not track.
	err := standalone.CheckProofOfWorkRange(header.Bits, c.params.PowLimit)
	if err != nil {
		return ruleError(netwire.RejectInvalid, err.Error(), 100)
	}

	// Clocks drift, so blocks from the future are refused without
	// penalizing the peer.
	if header.Timestamp.After(time.Now().Add(maxTimeOffset)) {
		str := fmt.Sprintf("block timestamp of %v is too far in the future",
			header.Timestamp)
		return ruleError(netwire.RejectInvalid, str, 0)
	}

	// The merkle root either commits to the regular transaction tree or to
	// both trees once header commitments are active.
	merkleRoot := standalone.CalcTxTreeMerkleRoot(block.Transactions)
	if header.MerkleRoot != merkleRoot {
		merkleRoot = standalone.CalcCombinedTxTreeMerkleRoot(
			block.Transactions, block.STransactions)
	}
	if header.MerkleRoot != merkleRoot {
		str := fmt.Sprintf("block merkle root is invalid - block header "+
			"indicates %v, but calculated value is %v", header.MerkleRoot,
			merkleRoot)
		return ruleError(netwire.RejectInvalid, str, 100)
	}

	seen := make(map[chainhash.Hash]struct{}, len(block.Transactions)+
		len(block.STransactions))
	for _, txns := range [][]*wire.MsgTx{block.Transactions, block.STransactions} {
		for _, tx := range txns {
			if err := standalone.CheckTransactionSanity(tx, c.maxTxSize); err != nil {
				return ruleError(netwire.RejectInvalid, err.Error(), 100)
			}
			hash := tx.TxHash()
			if _, ok := seen[hash]; ok {
				str := fmt.Sprintf("block contains duplicate transaction %v",
					hash)
				return ruleError(netwire.RejectInvalid, str, 100)
			}
			seen[hash] = struct{}{}
		}
	}
	return nil
}

// checkBlockContext performs the checks of a block that depend on its parent.
//
// This function MUST be called with the chain lock held (for reads).
func (c *Chain) checkBlockContext(block *wire.MsgBlock, hash *chainhash.Hash, parent *blockNode) error {
	height := parent.height + 1
	if int64(block.Header.Height) != height {
		str := fmt.Sprintf("block height of %d does not match the expected "+
			"height of %d", block.Header.Height, height)
		return ruleError(netwire.RejectInvalid, str, 100)
	}

	if checkpoint, ok := c.checkpoints[height]; ok && checkpoint != *hash {
		str := fmt.Sprintf("block at height %d does not match checkpoint "+
			"hash %v", height, checkpoint)
		return ruleError(netwire.RejectCheckpoint, str, 100)
	}

	// The best chain already holds a block at every height up to the latest
	// checkpoint once it reaches it, so new blocks at those heights fork
	// before the checkpoint.
	if c.lastCheckpt > 0 && height <= c.lastCheckpt &&
		c.tip().height >= c.lastCheckpt {

		str := fmt.Sprintf("block at height %d forks the chain before the "+
			"checkpoint at height %d", height, c.lastCheckpt)
		return ruleError(netwire.RejectCheckpoint, str, 100)
	}
	return nil
}

// connectBlock adds a block whose parent is known to the block index and
// makes it the tip when its branch is longer than the best chain.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) connectBlock(block *wire.MsgBlock, hash chainhash.Hash, parent *blockNode) error {
	if err := c.checkBlockContext(block, &hash, parent); err != nil {
		return err
	}

	node := &blockNode{
		hash:   hash,
		height: parent.height + 1,
		block:  block,
		parent: parent,
	}
	c.index[hash] = node
	if node.height > c.tip().height {
		c.setTip(node)
	} else {
		log.Debugf("Added side chain block %v at height %d", hash,
			node.height)
	}
	return nil
}

// setTip makes the node the tip of the best chain, detaching the blocks of
// the previous best chain after the fork point.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) setTip(node *blockNode) {
	var attach []*blockNode
	fork := node
	for !c.inBestChain(fork) {
		attach = append(attach, fork)
		fork = fork.parent
	}

	detached := c.bestChain[fork.height+1:]
	for _, n := range detached {
		c.unindexTransactions(n)
	}
	if len(detached) > 0 {
		log.Infof("Reorganizing the chain from %v (height %d) to %v (height "+
			"%d) with fork point %v", c.tip().hash, c.tip().height,
			node.hash, node.height, fork.hash)
	}

	c.bestChain = c.bestChain[:fork.height+1]
	for i := len(attach) - 1; i >= 0; i-- {
		c.bestChain = append(c.bestChain, attach[i])
		c.indexTransactions(attach[i])
	}
}

// removeOrphanBlock removes the passed orphan block from the orphan pool and
// previous orphan index.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) removeOrphanBlock(orphan *orphanBlock) {
	delete(c.orphans, orphan.hash)

	// Remove the reference from the previous orphan index too.
	prevHash := &orphan.block.Header.PrevBlock
	orphans := c.prevOrphans[*prevHash]
	for i := 0; i < len(orphans); i++ {
		if orphans[i].hash == orphan.hash {
			copy(orphans[i:], orphans[i+1:])
			orphans[len(orphans)-1] = nil
			orphans = orphans[:len(orphans)-1]
			i--
		}
	}
	c.prevOrphans[*prevHash] = orphans
	if len(orphans) == 0 {
		delete(c.prevOrphans, *prevHash)
	}
}

// addOrphanBlock adds the passed block, which is already determined to be an
// orphan prior calling this function, to the orphan pool.  It lazily cleans up
// any expired blocks so a separate cleanup poller doesn't need to be run.  It
// also imposes a maximum limit on the number of outstanding orphan blocks and
// will remove the oldest received orphan block if the limit is exceeded.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) addOrphanBlock(block *wire.MsgBlock, hash chainhash.Hash) {
	// Remove expired orphan blocks.
	now := time.Now()
	for _, oBlock := range c.orphans {
		if now.After(oBlock.expiration) {
			c.removeOrphanBlock(oBlock)
			continue
		}

		// Update the oldest orphan block pointer so it can be discarded
		// in case the orphan pool fills up.
		if c.oldestOrphan == nil ||
			oBlock.expiration.Before(c.oldestOrphan.expiration) {
			c.oldestOrphan = oBlock
		}
	}

	// Limit orphan blocks to prevent memory exhaustion.
	if len(c.orphans)+1 > maxOrphanBlocks {
		// Remove the oldest orphan to make room for the new one.
		c.removeOrphanBlock(c.oldestOrphan)
		c.oldestOrphan = nil
	}

	oBlock := &orphanBlock{
		block:      block,
		hash:       hash,
		expiration: now.Add(orphanExpiration),
	}
	c.orphans[hash] = oBlock

	// Add to previous hash lookup index for faster dependency lookups.
	prevHash := block.Header.PrevBlock
	c.prevOrphans[prevHash] = append(c.prevOrphans[prevHash], oBlock)
}

// processOrphans connects the orphans that descend from the block with the
// provided hash now that it is known.
//
// This function MUST be called with the chain lock held (for writes).
func (c *Chain) processOrphans(hash chainhash.Hash) {
	processHashes := []chainhash.Hash{hash}
	for len(processHashes) > 0 {
		processHash := processHashes[0]
		processHashes = processHashes[1:]
		parent := c.index[processHash]

		// Iterate over a copy since removing orphans modifies the index.
		orphans := append([]*orphanBlock(nil), c.prevOrphans[processHash]...)
		for _, orphan := range orphans {
			c.removeOrphanBlock(orphan)
			if c.oldestOrphan == orphan {
				c.oldestOrphan = nil
			}
			err := c.connectBlock(orphan.block, orphan.hash, parent)
			if err != nil {
				log.Debugf("Discarding orphan block %v: %v", orphan.hash, err)
				continue
			}
			processHashes = append(processHashes, orphan.hash)
		}
	}
}

// ProcessBlock checks the block and adds it to the chain.  Blocks whose parent
// is not known are kept as orphans and reported with isOrphan set.  Failed
// checks are reported as *pool.VerifyError.
//
// This function is safe for concurrent access.
func (c *Chain) ProcessBlock(block *wire.MsgBlock) (bool, error) {
	hash := block.BlockHash()

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, ok := c.index[hash]; ok {
		str := fmt.Sprintf("already have block %v", hash)
		return false, ruleError(netwire.RejectDuplicate, str, 0)
	}
	if _, ok := c.orphans[hash]; ok {
		str := fmt.Sprintf("already have block (orphan) %v", hash)
		return false, ruleError(netwire.RejectDuplicate, str, 0)
	}

	if err := c.checkBlockSanity(block); err != nil {
		return false, err
	}

	parent, ok := c.index[block.Header.PrevBlock]
	if !ok {
		log.Debugf("Adding orphan block %v with parent %v", hash,
			block.Header.PrevBlock)
		c.addOrphanBlock(block, hash)
		return true, nil
	}
	if err := c.connectBlock(block, hash, parent); err != nil {
		return false, err
	}
	c.processOrphans(hash)
	return false, nil
}

// OrphanRoot returns the hash of the earliest orphan the block descends from,
// which is the block itself when its parent is known.  It returns nil when the
// block is not an orphan.
//
// This function is safe for concurrent access.
func (c *Chain) OrphanRoot(hash *chainhash.Hash) *chainhash.Hash {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	orphan, ok := c.orphans[*hash]
	if !ok {
		return nil
	}

	// Keep looping while the parent of each orphaned block is known and is
	// an orphan itself.
	for {
		parent, ok := c.orphans[orphan.block.Header.PrevBlock]
		if !ok {
			root := orphan.hash
			return &root
		}
		orphan = parent
	}
}

// BlockLocator returns a block locator for the provided block, or for the tip
// of the best chain when the hash is nil or not known.  The locator starts
// with the block itself and continues with consecutive ancestors before the
// distance between entries starts doubling.  It always ends with the genesis
// block.
//
// This function is safe for concurrent access.
func (c *Chain) BlockLocator(hash *chainhash.Hash) []*chainhash.Hash {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	node := c.tip()
	if hash != nil {
		if n, ok := c.index[*hash]; ok {
			node = n
		}
	}

	var locator []*chainhash.Hash
	step := int64(1)
	for node != nil {
		hash := node.hash
		locator = append(locator, &hash)
		if node.height == 0 {
			break
		}

		height := max(node.height-step, 0)
		node = c.ancestor(node, height)
		if len(locator) > locatorDenseEntries {
			step *= 2
		}
	}
	return locator
}

// locateInventory returns the node of the block after the first known block
// of the locator along with the number of subsequent nodes needed to either
// reach the provided stop hash or the provided max number of entries.
//
// When no locators are provided, the stop hash is treated as a request for
// that block alone.  When none of the locator hashes are known, the nodes
// after the genesis block are returned.
//
// This function MUST be called with the chain lock held (for reads).
func (c *Chain) locateInventory(locator []*chainhash.Hash, hashStop *chainhash.Hash, maxEntries uint32) (*blockNode, uint32) {
	stopNode := c.index[*hashStop]
	if len(locator) == 0 {
		if stopNode == nil {
			return nil, 0
		}
		return stopNode, 1
	}

	// Find the most recent locator block hash in the main chain.
	startHeight := int64(0)
	for _, hash := range locator {
		node := c.index[*hash]
		if node != nil && c.inBestChain(node) {
			startHeight = node.height
			break
		}
	}

	// Start at the block after the most recently known block.
	startHeight++
	tip := c.tip()
	if startHeight > tip.height {
		return nil, 0
	}

	total := uint32(tip.height - startHeight + 1)
	if stopNode != nil && c.inBestChain(stopNode) &&
		stopNode.height >= startHeight {

		total = uint32(stopNode.height - startHeight + 1)
	}
	total = min(total, maxEntries)
	return c.bestChain[startHeight], total
}

// LocateBlocks returns the hashes of the blocks after the first known block in
// the locator until the provided stop hash is reached, or up to the provided
// max number of block hashes.
//
// This function is safe for concurrent access.
func (c *Chain) LocateBlocks(locator []*chainhash.Hash, hashStop *chainhash.Hash, maxHashes uint32) []chainhash.Hash {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	node, total := c.locateInventory(locator, hashStop, maxHashes)
	if total == 0 {
		return nil
	}
	hashes := make([]chainhash.Hash, 0, total)
	if total == 1 && !c.inBestChain(node) {
		return append(hashes, node.hash)
	}
	for i := node.height; i < node.height+int64(total); i++ {
		hashes = append(hashes, c.bestChain[i].hash)
	}
	return hashes
}

// LocateHeaders returns the headers of the blocks after the first known block
// in the locator until the provided stop hash is reached, or up to a max of
// wire.MaxBlockHeadersPerMsg headers.
//
// This function is safe for concurrent access.
func (c *Chain) LocateHeaders(locator []*chainhash.Hash, hashStop *chainhash.Hash) []wire.BlockHeader {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	node, total := c.locateInventory(locator, hashStop,
		wire.MaxBlockHeadersPerMsg)
	if total == 0 {
		return nil
	}
	headers := make([]wire.BlockHeader, 0, total)
	if total == 1 && !c.inBestChain(node) {
		return append(headers, node.block.Header)
	}
	for i := node.height; i < node.height+int64(total); i++ {
		headers = append(headers, c.bestChain[i].block.Header)
	}
	return headers
}
