// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/netwire"
)

// headerNode is a block header of the checkpoint sync that was linked to the
// header chain but whose block may not have been downloaded yet.
type headerNode struct {
	height int64
	hash   chainhash.Hash
}

// findNextHeaderCheckpoint returns the next checkpoint after the passed height.
// It returns nil when there is not one either because the height is already
// later than the final checkpoint or there are none for the current network.
func (p *Pool) findNextHeaderCheckpoint(height int64) *Checkpoint {
	checkpoints := p.cfg.Checkpoints
	if len(checkpoints) == 0 {
		return nil
	}

	// There is no next checkpoint if the height is already after the final
	// checkpoint.
	finalCheckpoint := &checkpoints[len(checkpoints)-1]
	if height >= finalCheckpoint.Height {
		return nil
	}

	// Find the next checkpoint.
	nextCheckpoint := finalCheckpoint
	for i := len(checkpoints) - 2; i >= 0; i-- {
		if height >= checkpoints[i].Height {
			break
		}
		nextCheckpoint = &checkpoints[i]
	}
	return nextCheckpoint
}

// resetHeaderState sets the header state to the provided newest block.  The
// newest block is the first node of the header list so received headers can
// be linked to it.
func (p *Pool) resetHeaderState(newestHash *chainhash.Hash, newestHeight int64) {
	p.headersFirst = false
	p.headerList.Init()
	p.startHeader = nil

	// When there is a next checkpoint, add an entry for the latest known
	// block into the header pool.  This allows the next downloaded header
	// to prove it links to the chain properly.
	if p.nextCheckpoint != nil {
		node := headerNode{height: newestHeight, hash: *newestHash}
		p.headerList.PushBack(&node)
	}
}

// isCurrent returns whether the chain believes it is synced with the loader.
// The pool is considered current when there is no loader to sync from.
func (p *Pool) isCurrent() bool {
	if p.headersFirst {
		return false
	}
	if p.loader == nil {
		return true
	}
	_, height := p.chain.BestBlock()
	return height >= p.loader.LastBlock()
}

// wantsCmpctFrom returns whether blocks should be requested from the peer in
// their compact form.
func (p *Pool) wantsCmpctFrom(sp *serverPeer) bool {
	if p.cfg.NoCompact || !p.isCurrent() {
		return false
	}
	_, version := sp.WantsCmpct()
	return version >= netwire.CmpctBlockVersion &&
		len(sp.cmpctBlocks) < maxPendingCmpctBlocks
}

// startSync will choose the best peer among the available candidate peers to
// download and sync the blockchain from.  When syncing is already running, it
// simply returns.  It also examines the candidates for any which are no longer
// candidates and removes them as needed.
func (p *Pool) startSync() {
	// Return now if we're already syncing.
	if p.loader != nil {
		return
	}

	// Pick the candidate announcing the highest block that is later than
	// the best block.
	best, height := p.chain.BestBlock()
	var bestPeer *serverPeer
	for _, sp := range p.peers {
		if !sp.syncCandidate || !sp.Connected() {
			continue
		}
		if sp.LastBlock() < height {
			continue
		}
		if bestPeer == nil || sp.LastBlock() > bestPeer.LastBlock() {
			bestPeer = sp
		}
	}
	if bestPeer == nil {
		log.Debugf("No sync peer candidates available")
		return
	}

	// Clear the requested blocks if the loader changes, otherwise blocks
	// that are needed but the last loader failed to send would be ignored.
	p.requestedBlocks = make(map[chainhash.Hash]struct{})

	locator := p.chain.BlockLocator(nil)
	log.Infof("Syncing to block height %d from peer %v",
		bestPeer.LastBlock(), bestPeer)

	// Download the headers up to the next checkpoint first when the best
	// block is behind it.  The blocks are then fetched in batches once the
	// checkpoint header is reached.
	p.nextCheckpoint = p.findNextHeaderCheckpoint(height)
	if p.nextCheckpoint != nil && height < p.nextCheckpoint.Height {
		p.resetHeaderState(&best, height)
		p.headersFirst = true
		err := bestPeer.PushGetHeadersMsg(locator, &p.nextCheckpoint.Hash)
		if err != nil {
			log.Errorf("Failed to push getheaders message to %s: %v",
				bestPeer, err)
			return
		}
		log.Infof("Downloading headers for blocks %d to %d from peer %s",
			height+1, p.nextCheckpoint.Height, bestPeer)
	} else {
		err := bestPeer.PushGetBlocksMsg(locator, &zeroHash)
		if err != nil {
			log.Errorf("Failed to push getblocks message to %s: %v",
				bestPeer, err)
			return
		}
	}
	p.loader = bestPeer
	p.lastProgress = time.Now()
}

// fetchHeaderBlocks creates and sends a request to the loader for the next
// batch of blocks to be downloaded based on the current list of headers.
func (p *Pool) fetchHeaderBlocks() {
	// Nothing to do if there is no start header.
	if p.startHeader == nil {
		log.Warnf("fetchHeaderBlocks called with no start header")
		return
	}

	// Build up a getdata request for the list of blocks the headers
	// describe.  The size hint will be limited to wire.MaxInvPerMsg by
	// the function, so no need to double check it here.
	gdmsg := wire.NewMsgGetDataSizeHint(uint(p.headerList.Len()))
	numRequested := 0
	for e := p.startHeader; e != nil; e = e.Next() {
		node, ok := e.Value.(*headerNode)
		if !ok {
			log.Warn("Header list node type is not a headerNode")
			continue
		}

		if !p.chain.HaveBlock(&node.hash) {
			iv := wire.NewInvVect(wire.InvTypeBlock, &node.hash)
			p.requestedBlocks[node.hash] = struct{}{}
			p.loader.requestedBlocks[node.hash] = struct{}{}
			gdmsg.AddInvVect(iv)
			numRequested++
		}
		p.startHeader = e.Next()
		if numRequested >= wire.MaxInvPerMsg {
			break
		}
	}
	if len(gdmsg.InvList) > 0 {
		p.loader.QueueMessage(gdmsg, nil)
	}
}

// handleHeadersMsg handles headers messages from all peers.  Headers from the
// loader during the checkpoint sync extend the header list, every other
// headers message is treated as a block announcement.
func (p *Pool) handleHeadersMsg(hmsg *headersMsg) {
	sp := hmsg.sp
	if sp != p.loader || !p.headersFirst {
		p.handleHeaderAnnouncements(hmsg)
		return
	}

	// Nothing to do for an empty headers message.
	headers := hmsg.headers.Headers
	numHeaders := len(headers)
	if numHeaders == 0 {
		log.Debugf("Received empty headers message from loader %s", sp)
		return
	}

	// Validate the whole batch before appending anything so a bad header
	// leaves the header list untouched.
	prevNodeEl := p.headerList.Back()
	if prevNodeEl == nil {
		log.Warnf("Header list does not contain a previous element as " +
			"expected -- disconnecting peer")
		sp.Disconnect()
		return
	}
	prevNode := prevNodeEl.Value.(*headerNode)
	nodes := make([]*headerNode, 0, numHeaders)
	var receivedCheckpoint bool
	for _, header := range headers {
		blockHash := header.BlockHash()
		if header.PrevBlock != prevNode.hash {
			str := "received block header that does not properly connect " +
				"to the chain"
			log.Warnf("%s from peer %s -- disconnecting", str, sp)
			sp.addBanScore(20, 0, makeError(ErrBadHeaderChain, str).Error())
			sp.Disconnect()
			return
		}
		height := prevNode.height + 1
		if int64(header.Height) != height {
			str := "received block header with unexpected height"
			log.Warnf("%s %d (expected %d) from peer %s -- disconnecting",
				str, header.Height, height, sp)
			sp.addBanScore(20, 0, makeError(ErrBadHeaderChain, str).Error())
			sp.Disconnect()
			return
		}

		// Verify the header at the next checkpoint height matches.
		node := &headerNode{height: height, hash: blockHash}
		nodes = append(nodes, node)
		if node.height == p.nextCheckpoint.Height {
			if node.hash != p.nextCheckpoint.Hash {
				str := "block header does not match checkpoint"
				log.Warnf("%s at height %d (got %v, expected %v) from peer "+
					"%s -- banning", str, node.height, node.hash,
					p.nextCheckpoint.Hash, sp)
				sp.banPeer(makeError(ErrCheckpointMismatch, str).Error())
				return
			}
			receivedCheckpoint = true
			break
		}
		prevNode = node
	}

	for _, node := range nodes {
		p.headerList.PushBack(node)
	}
	p.lastProgress = time.Now()
	lastNode := nodes[len(nodes)-1]
	p.progressLogger.LogHeaderProgress(uint64(len(nodes)), lastNode.height,
		receivedCheckpoint)

	// When this header is a checkpoint, switch to fetching the blocks for
	// all of the headers since the last checkpoint.
	if receivedCheckpoint {
		// Since the first entry of the list is always the final block that
		// is already in the chain and is only used to ensure the next
		// header links properly, it must be removed before fetching the
		// blocks.
		p.headerList.Remove(p.headerList.Front())
		log.Infof("Received %v block headers: Fetching blocks",
			p.headerList.Len())
		p.startHeader = p.headerList.Front()
		p.fetchHeaderBlocks()
		return
	}

	// This header is not a checkpoint, so request the next batch of
	// headers starting from the latest known header and ending with the
	// next checkpoint.
	locator := []*chainhash.Hash{&lastNode.hash}
	err := sp.PushGetHeadersMsg(locator, &p.nextCheckpoint.Hash)
	if err != nil {
		log.Warnf("Failed to send getheaders message to peer %s: %v", sp, err)
	}
}

// handleHeaderAnnouncements requests the blocks announced by headers.  Headers
// that do not connect to a known block trigger a request for the missing
// headers instead.
func (p *Pool) handleHeaderAnnouncements(hmsg *headersMsg) {
	sp := hmsg.sp
	headers := hmsg.headers.Headers
	if len(headers) == 0 {
		return
	}

	var toRequest []chainhash.Hash
	for _, header := range headers {
		hash := header.BlockHash()
		iv := wire.NewInvVect(wire.InvTypeBlock, &hash)
		sp.AddKnownInventory(iv)
		sp.UpdateLastAnnouncedBlock(&hash)
		sp.UpdateLastBlockHeight(int64(header.Height))
		if p.chain.HaveBlock(&hash) {
			continue
		}
		if _, ok := p.requestedBlocks[hash]; ok {
			continue
		}
		toRequest = append(toRequest, hash)
	}

	// Announcements are ignored while syncing from another peer.
	if sp != p.loader && !p.isCurrent() {
		return
	}
	if len(toRequest) == 0 {
		return
	}

	// Ask for the headers leading to the announced blocks when the first
	// one does not connect.
	first := headers[0]
	if _, ok := p.requestedBlocks[first.PrevBlock]; !ok &&
		!p.chain.HaveBlock(&first.PrevBlock) {

		last := toRequest[len(toRequest)-1]
		locator := p.chain.BlockLocator(nil)
		if err := sp.PushGetHeadersMsg(locator, &last); err != nil {
			log.Warnf("Failed to send getheaders message to peer %s: %v",
				sp, err)
		}
		return
	}

	// Request as much as possible at once.
	allowCmpct := len(toRequest) == 1 && p.wantsCmpctFrom(sp)
	gdmsg := wire.NewMsgGetDataSizeHint(uint(len(toRequest)))
	for i := range toRequest {
		hash := &toRequest[i]
		limitAdd(p.requestedBlocks, *hash, maxRequestedBlocks)
		limitAdd(sp.requestedBlocks, *hash, maxRequestedBlocks)
		invType := wire.InvTypeBlock
		if allowCmpct {
			invType = netwire.InvTypeCmpctBlock
		}
		gdmsg.AddInvVect(wire.NewInvVect(invType, hash))
	}
	sp.QueueMessage(gdmsg, nil)
}

// needTx returns whether or not the transaction needs to be downloaded.  For
// example, it does not need to be downloaded when it is already known.
func (p *Pool) needTx(hash *chainhash.Hash) bool {
	// No need for transactions that have already been rejected.
	if p.rejectedTxns.Contains(hash[:]) || p.mempool.HasReject(hash) {
		return false
	}

	// No need for transactions that are already available in the
	// transaction memory pool (main pool or orphan).
	return !p.mempool.HaveTx(hash)
}

// handleInvMsg handles inv messages from all peers.  This entails examining the
// inventory advertised by the remote peer for block and transaction
// announcements and acting accordingly.
func (p *Pool) handleInvMsg(imsg *invMsg) {
	sp := imsg.sp
	isCurrent := p.isCurrent()

	// Ignore invs from peers that aren't the loader if we are not current.
	// Helps prevent fetching a mass of orphans.
	invVects := imsg.inv.InvList
	lastBlock := -1
	for i := len(invVects) - 1; i >= 0; i-- {
		if invVects[i].Type == wire.InvTypeBlock {
			lastBlock = i
			break
		}
	}
	if lastBlock != -1 {
		sp.UpdateLastAnnouncedBlock(&invVects[lastBlock].Hash)
	}
	if sp != p.loader && !isCurrent {
		for _, iv := range invVects {
			sp.AddKnownInventory(iv)
		}
		return
	}

	var requestQueue []*wire.InvVect
	for i, iv := range invVects {
		switch iv.Type {
		case wire.InvTypeBlock:
			// Add the block to the cache of known inventory for the peer.
			// This helps avoid sending blocks to the peer that it is already
			// known to have.
			sp.AddKnownInventory(iv)

			// Blocks are fetched from the header list during the checkpoint
			// sync.
			if p.headersFirst {
				continue
			}

			if !p.chain.HaveBlock(&iv.Hash) {
				// Request the block if there is not one already pending.
				if _, exists := p.requestedBlocks[iv.Hash]; !exists {
					limitAdd(p.requestedBlocks, iv.Hash, maxRequestedBlocks)
					limitAdd(sp.requestedBlocks, iv.Hash, maxRequestedBlocks)
					requestQueue = append(requestQueue, iv)
				}
				continue
			}

			// The block is an orphan, so request the blocks between the
			// best block and the root of the orphan.
			if root := p.chain.OrphanRoot(&iv.Hash); root != nil {
				locator := p.chain.BlockLocator(nil)
				if err := sp.PushGetBlocksMsg(locator, root); err != nil {
					log.Warnf("Failed to push getblocks message to %s: %v",
						sp, err)
				}
				continue
			}

			// The final block of the inventory is already known, so ask
			// for the blocks after it.  This is the continuation of a
			// getblocks answer that did not fit in one message.
			if i == lastBlock {
				locator := p.chain.BlockLocator(&iv.Hash)
				if err := sp.PushGetBlocksMsg(locator, &zeroHash); err != nil {
					log.Warnf("Failed to push getblocks message to %s: %v",
						sp, err)
				}
			}

		case wire.InvTypeTx:
			// Add the tx to the cache of known inventory for the peer.
			sp.AddKnownInventory(iv)
			if p.cfg.DisableRelayTx || !p.needTx(&iv.Hash) {
				continue
			}

			// Request the transaction if there is not one already pending.
			if _, exists := p.requestedTxns[iv.Hash]; !exists {
				limitAdd(p.requestedTxns, iv.Hash, maxRequestedTxns)
				limitAdd(sp.requestedTxns, iv.Hash, maxRequestedTxns)
				requestQueue = append(requestQueue, iv)
			}
		}
	}

	// Request as much as possible at once.  A single new block is asked for
	// in compact form when the peer supports it.
	allowCmpct := len(requestQueue) == 1 && p.wantsCmpctFrom(sp)
	gdmsg := wire.NewMsgGetData()
	for _, iv := range requestQueue {
		if iv.Type == wire.InvTypeBlock && allowCmpct {
			iv = wire.NewInvVect(netwire.InvTypeCmpctBlock, &iv.Hash)
		}
		gdmsg.AddInvVect(iv)
		if len(gdmsg.InvList) == wire.MaxInvPerMsg {
			sp.QueueMessage(gdmsg, nil)
			gdmsg = wire.NewMsgGetData()
		}
	}
	if len(gdmsg.InvList) > 0 {
		sp.QueueMessage(gdmsg, nil)
	}
}

// handleNotFoundMsg forgets the requests the peer could not serve.
func (p *Pool) handleNotFoundMsg(nfmsg *notFoundMsg) {
	sp := nfmsg.sp
	for _, iv := range nfmsg.notFound.InvList {
		// Verify the hash was actually requested from the peer before
		// deleting from the global requested maps.
		switch iv.Type {
		case wire.InvTypeBlock, netwire.InvTypeCmpctBlock:
			if _, exists := sp.requestedBlocks[iv.Hash]; exists {
				delete(sp.requestedBlocks, iv.Hash)
				delete(p.requestedBlocks, iv.Hash)
				delete(sp.cmpctBlocks, iv.Hash)
			}
		case wire.InvTypeTx:
			if _, exists := sp.requestedTxns[iv.Hash]; exists {
				delete(sp.requestedTxns, iv.Hash)
				delete(p.requestedTxns, iv.Hash)
			}
		}
	}
}

// handleBlockResult updates the sync state once a block was processed.
func (p *Pool) handleBlockResult(bmsg *blockResultMsg) {
	sp := bmsg.sp
	hash := bmsg.hash

	// Remove the block from the request maps once it has been processed.
	// This ensures the chain is aware of the block before it is removed from
	// the maps in order to help prevent duplicate requests.
	delete(sp.requestedBlocks, hash)
	delete(p.requestedBlocks, hash)
	delete(sp.cmpctBlocks, hash)
	if sp == p.loader {
		p.lastProgress = time.Now()
	}
	if bmsg.err != nil {
		return
	}

	if bmsg.isOrphan {
		// Request the blocks between the best block and the root of the
		// orphan that just came in.
		if p.headersFirst {
			return
		}
		root := p.chain.OrphanRoot(&hash)
		if root == nil {
			return
		}
		locator := p.chain.BlockLocator(nil)
		if err := sp.PushGetBlocksMsg(locator, root); err != nil {
			log.Warnf("Failed to push getblocks message to %s: %v", sp, err)
		}
		return
	}

	block := bmsg.block
	blockHeight := int64(block.Header.Height)
	sp.UpdateLastBlockHeight(blockHeight)
	p.mempool.BlockConnected(block)
	p.rejectedTxns.Reset()
	_, bestHeight := p.chain.BestBlock()
	p.progressLogger.LogProgress(block, p.isCurrent())
	p.sendNotification(NTBlockAccepted, block)
	if p.isCurrent() {
		p.relayBlock(block, sp)
	}

	// Nothing more to do when not in the checkpoint sync with the loader.
	if !p.headersFirst || sp != p.loader {
		p.maybeContinueSync(sp, bestHeight)
		return
	}

	// Fetch more blocks when the block is not the checkpoint.
	if hash != p.nextCheckpoint.Hash {
		if p.startHeader != nil && len(sp.requestedBlocks) < minInFlightBlocks {
			p.fetchHeaderBlocks()
		}
		return
	}

	// The block is the checkpoint, so move on to the next one when there is
	// one, or switch to normal mode by requesting the blocks after this one
	// up to the end of the chain.
	prevHeight := p.nextCheckpoint.Height
	prevHash := p.nextCheckpoint.Hash
	p.nextCheckpoint = p.findNextHeaderCheckpoint(prevHeight)
	if p.nextCheckpoint != nil {
		p.resetHeaderState(&prevHash, prevHeight)
		p.headersFirst = true
		locator := []*chainhash.Hash{&prevHash}
		err := sp.PushGetHeadersMsg(locator, &p.nextCheckpoint.Hash)
		if err != nil {
			log.Warnf("Failed to send getheaders message to peer %s: %v",
				sp, err)
			return
		}
		log.Infof("Downloading headers for blocks %d to %d from peer %s",
			prevHeight+1, p.nextCheckpoint.Height, sp)
		return
	}

	log.Infof("Reached the final checkpoint -- switching to normal mode")
	p.resetHeaderState(&prevHash, prevHeight)
	locator := []*chainhash.Hash{&hash}
	if err := sp.PushGetBlocksMsg(locator, &zeroHash); err != nil {
		log.Warnf("Failed to send getblocks message to peer %s: %v", sp, err)
	}
}

// maybeContinueSync asks the loader for more blocks when everything it was
// asked for arrived and it still announces a later block.
func (p *Pool) maybeContinueSync(sp *serverPeer, bestHeight int64) {
	if sp != p.loader || len(sp.requestedBlocks) != 0 {
		return
	}
	if bestHeight >= sp.LastBlock() {
		log.Infof("Synced with loader %s at height %d", sp, bestHeight)
		return
	}
	locator := p.chain.BlockLocator(nil)
	if err := sp.PushGetBlocksMsg(locator, &zeroHash); err != nil {
		log.Warnf("Failed to push getblocks message to %s: %v", sp, err)
	}
}

// handleTxResult updates the request state once a transaction was processed
// and relays accepted transactions.
func (p *Pool) handleTxResult(tmsg *txResultMsg) {
	sp := tmsg.sp
	txHash := tmsg.hash

	// Remove transaction from request maps.  Either the mempool already
	// knows about it and as such we shouldn't have any more instances of
	// trying to fetch it, or we failed to insert and thus we'll retry next
	// time we get an inv.
	delete(sp.requestedTxns, txHash)
	delete(p.requestedTxns, txHash)

	if tmsg.err != nil {
		// Do not request this transaction again until a new block has been
		// processed.
		p.rejectedTxns.Add(txHash[:])
		return
	}

	// Request the missing parents of orphans from the peer that sent it.
	if len(tmsg.missing) > 0 {
		gdmsg := wire.NewMsgGetDataSizeHint(uint(len(tmsg.missing)))
		for i := range tmsg.missing {
			parent := &tmsg.missing[i]
			if !p.needTx(parent) {
				continue
			}
			if _, exists := p.requestedTxns[*parent]; exists {
				continue
			}
			limitAdd(p.requestedTxns, *parent, maxRequestedTxns)
			limitAdd(sp.requestedTxns, *parent, maxRequestedTxns)
			gdmsg.AddInvVect(wire.NewInvVect(wire.InvTypeTx, parent))
		}
		if len(gdmsg.InvList) > 0 {
			sp.QueueMessage(gdmsg, nil)
		}
		return
	}

	p.relayTx(tmsg.tx, sp)
	p.sendNotification(NTTxAccepted, tmsg.tx)
}

// requestFullBlock falls back to requesting the full block when a compact
// block could not be reconstructed.
func (p *Pool) requestFullBlock(sp *serverPeer, hash *chainhash.Hash) {
	delete(sp.cmpctBlocks, *hash)
	gdmsg := wire.NewMsgGetDataSizeHint(1)
	gdmsg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, hash))
	sp.QueueMessage(gdmsg, nil)
}

// handleCmpctBlockMsg reconstructs a requested compact block from the mempool.
// It returns the block when it is complete.  Otherwise the missing
// transactions or the full block are requested from the peer.
func (p *Pool) handleCmpctBlockMsg(cmsg *cmpctBlockMsg) *wire.MsgBlock {
	sp := cmsg.sp
	hash := cmsg.msg.BlockHash()
	if _, ok := sp.requestedBlocks[hash]; !ok {
		log.Debugf("Ignoring unrequested compact block %v from %s", hash, sp)
		return nil
	}
	if _, ok := sp.cmpctBlocks[hash]; ok {
		log.Debugf("Ignoring duplicate compact block %v from %s", hash, sp)
		return nil
	}
	if len(sp.cmpctBlocks) >= maxPendingCmpctBlocks {
		sp.addBanScore(0, 20, "too many pending compact blocks")
		p.requestFullBlock(sp, &hash)
		return nil
	}

	state, err := newCmpctBlockState(cmsg.msg, p.mempool)
	if err != nil {
		if errors.Is(err, errCmpctCollision) {
			log.Debugf("Short id collision in compact block %v from %s -- "+
				"requesting full block", hash, sp)
			p.requestFullBlock(sp, &hash)
			return nil
		}
		log.Debugf("Invalid compact block %v from %s: %v", hash, sp, err)
		sp.addBanScore(100, 0, "invalid compact block")
		return nil
	}
	if missing := state.missing(); len(missing) > 0 {
		log.Debugf("Requesting %d missing %s of compact block %v from %s",
			len(missing), pickNoun(uint64(len(missing)), "transaction",
				"transactions"), hash, sp)
		sp.cmpctBlocks[hash] = state
		sp.QueueMessage(newGetBlockTxn(&hash, missing), nil)
		return nil
	}
	block, err := state.block()
	if err != nil {
		log.Debugf("Unable to reconstruct compact block %v from %s: %v -- "+
			"requesting full block", hash, sp, err)
		p.requestFullBlock(sp, &hash)
		return nil
	}
	return block
}

// handleBlockTxnMsg completes a partially reconstructed compact block with the
// transactions sent by the peer.
func (p *Pool) handleBlockTxnMsg(bmsg *blockTxnMsg) *wire.MsgBlock {
	sp := bmsg.sp
	hash := bmsg.msg.BlockHash
	state, ok := sp.cmpctBlocks[hash]
	if !ok {
		log.Debugf("Ignoring unrequested block transactions for %v from %s",
			hash, sp)
		sp.addBanScore(0, 10, "unrequested blocktxn")
		return nil
	}
	delete(sp.cmpctBlocks, hash)
	if err := state.fill(bmsg.msg.Transactions); err != nil {
		log.Debugf("Invalid block transactions for %v from %s: %v", hash,
			sp, err)
		sp.addBanScore(100, 0, "invalid blocktxn")
		return nil
	}
	block, err := state.block()
	if err != nil {
		log.Debugf("Unable to reconstruct compact block %v from %s: %v -- "+
			"requesting full block", hash, sp, err)
		p.requestFullBlock(sp, &hash)
		return nil
	}
	return block
}

// handleStallSample disconnects the loader when it has not made progress on
// the outstanding sync requests within the stall timeout.
func (p *Pool) handleStallSample() {
	sp := p.loader
	if sp == nil {
		return
	}
	if time.Since(p.lastProgress) <= p.cfg.BlockStallTimeout {
		return
	}

	// An idle loader that is caught up is not stalling.
	if !p.headersFirst && len(sp.requestedBlocks) == 0 {
		p.lastProgress = time.Now()
		return
	}
	log.Infof("Loader %s made no progress for %v -- disconnecting", sp,
		p.cfg.BlockStallTimeout)
	sp.Disconnect()
}
