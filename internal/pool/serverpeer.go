// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
	"github.com/decred/dcrp2p/connmgr"
	"github.com/decred/dcrp2p/netwire"
	"github.com/decred/dcrp2p/peer"
	"github.com/decred/dcrp2p/peerauth"
)

const (
	// maxConcurrentGetDataReqs is the maximum number of getdata messages
	// that may be queued for asynchronous serving per peer.
	maxConcurrentGetDataReqs = 1000

	// maxPendingGetDataItemReqs is the maximum number of data items of
	// queued getdata messages per peer.
	maxPendingGetDataItemReqs = 2 * wire.MaxInvPerMsg
)

// serverPeer extends the peer to maintain state shared by the pool.
type serverPeer struct {
	*peer.Peer

	pool          *Pool
	connReq       *connmgr.ConnReq
	persistent    bool
	isWhitelisted bool
	filter        *peerFilter
	quit          chan struct{}

	// addrsSent tracks whether or not the peer was already answered a
	// getaddr request.
	addrsSent atomic.Bool

	// continueHash is the final block of a getblocks answer that did not
	// fit in a single inventory message.
	continueHash atomic.Pointer[chainhash.Hash]

	// getDataQueue holds the getdata requests served by serveGetData.
	getDataQueue              chan []*wire.InvVect
	numPendingGetDataItemReqs atomic.Uint32

	// The following fields are owned by the event handler of the pool and
	// must not be accessed outside of it.
	syncCandidate   bool
	requestedTxns   map[chainhash.Hash]struct{}
	requestedBlocks map[chainhash.Hash]struct{}
	cmpctBlocks     map[chainhash.Hash]*cmpctBlockState
}

// newServerPeer returns a new serverPeer instance.  The peer needs to be set
// by the caller.
func newServerPeer(p *Pool, isPersistent bool) *serverPeer {
	return &serverPeer{
		pool:            p,
		persistent:      isPersistent,
		filter:          newPeerFilter(),
		quit:            make(chan struct{}),
		getDataQueue:    make(chan []*wire.InvVect, maxConcurrentGetDataReqs),
		requestedTxns:   make(map[chainhash.Hash]struct{}),
		requestedBlocks: make(map[chainhash.Hash]struct{}),
		cmpctBlocks:     make(map[chainhash.Hash]*cmpctBlockState),
	}
}

// newestBlock returns the current best block hash and height using the format
// required by the configuration for the peer package.
func (sp *serverPeer) newestBlock() (*chainhash.Hash, int64, error) {
	hash, height := sp.pool.chain.BestBlock()
	return &hash, height, nil
}

// addBanScore increases the persistent and decaying ban score fields by the
// values passed as parameters.  It returns whether the peer was banned.
func (sp *serverPeer) addBanScore(persistent, transient uint32, reason string) bool {
	return sp.pool.banMgr.AddBanScore(sp.Peer, persistent, transient, reason)
}

// banPeer bans the peer right away regardless of its ban score.
func (sp *serverPeer) banPeer(reason string) {
	log.Infof("Banning %s: %s", sp, reason)
	if sp.pool.banMgr.cfg.DisableBanning || sp.isWhitelisted {
		sp.Disconnect()
		return
	}
	sp.pool.banMgr.BanPeer(sp.Peer)
}

// hasServices returns whether or not the provided advertised service flags have
// all of the provided desired service flags set.
func hasServices(advertised, desired wire.ServiceFlag) bool {
	return advertised&desired == desired
}

// OnVersion is invoked when a peer receives a version wire message.  Outbound
// peers that do not offer the required services are rejected.
func (sp *serverPeer) OnVersion(_ *peer.Peer, msg *wire.MsgVersion) *netwire.MsgReject {
	// Reject outbound peers that are not full nodes.
	isInbound := sp.Inbound()
	wantServices := sp.pool.cfg.RequiredServices
	if !isInbound && !hasServices(msg.Services, wantServices) {
		missingServices := wantServices & ^msg.Services
		log.Debugf("Rejecting peer %s with services %v due to not "+
			"providing desired services %v", sp, msg.Services,
			missingServices)
		return netwire.NewMsgReject(msg.Command(), netwire.RejectNonstandard,
			"required services not offered")
	}

	// Update the address manager with the advertised services for outbound
	// connections in case they have changed.
	if !isInbound {
		sp.pool.addrManager.SetServices(sp.NA(), msg.Services)
	}
	return nil
}

// OnHandshake is invoked once the handshake completed.  It hands the peer to
// the event handler of the pool.
func (sp *serverPeer) OnHandshake(_ *peer.Peer) {
	select {
	case sp.pool.msgChan <- &newPeerMsg{sp: sp}:
	case <-sp.pool.quit:
		sp.Disconnect()
	}
}

// OnIdentified is invoked when an inbound peer proved an authorized identity.
// The association is remembered for future outbound connections to the host.
func (sp *serverPeer) OnIdentified(_ *peer.Peer, key peerauth.PubKey) {
	sp.pool.addrManager.SetKnownPeer(sp.NA().Host(), key)
}

// OnMessage dispatches the messages of the peer.
func (sp *serverPeer) OnMessage(_ *peer.Peer, msg netwire.Message) {
	switch msg := msg.(type) {
	case *wire.MsgGetAddr:
		sp.onGetAddr(msg)
	case *wire.MsgAddr:
		sp.onAddr(msg)
	case *wire.MsgInv:
		sp.onInv(msg)
	case *wire.MsgHeaders:
		sp.pool.queue(&headersMsg{headers: msg, sp: sp})
	case *wire.MsgNotFound:
		sp.pool.queue(&notFoundMsg{notFound: msg, sp: sp})
	case *wire.MsgGetData:
		sp.onGetData(msg)
	case *wire.MsgGetBlocks:
		sp.onGetBlocks(msg)
	case *wire.MsgGetHeaders:
		sp.onGetHeaders(msg)
	case *wire.MsgMemPool:
		sp.onMemPool(msg)
	case *wire.MsgBlock:
		sp.onBlock(msg)
	case *wire.MsgTx:
		sp.onTx(msg)
	case *netwire.MsgReject:
		sp.onReject(msg)
	case *netwire.MsgFilterLoad:
		sp.onFilterLoad(msg)
	case *netwire.MsgFilterAdd:
		sp.onFilterAdd(msg)
	case *netwire.MsgFilterClear:
		sp.onFilterClear(msg)
	case *netwire.MsgCmpctBlock:
		sp.onCmpctBlock(msg)
	case *netwire.MsgGetBlockTxn:
		sp.onGetBlockTxn(msg)
	case *netwire.MsgBlockTxn:
		sp.onBlockTxn(msg)
	default:
		log.Tracef("Ignoring %s message from %s", msg.Command(), sp)
	}
}

// onGetAddr answers the first getaddr of an inbound peer with a random subset
// of the known addresses.
func (sp *serverPeer) onGetAddr(_ *wire.MsgGetAddr) {
	// Don't return any addresses when running on the simulation and regression
	// test networks.  This helps prevent the networks from becoming another
	// public test network since they will not be able to learn about other
	// peers that have not specifically been provided.
	if sp.pool.isPrivateNet() {
		return
	}

	// Do not accept getaddr requests from outbound peers.  This reduces
	// fingerprinting attacks.
	if !sp.Inbound() {
		return
	}

	// Only respond with addresses once per connection.  This helps reduce
	// traffic and further reduces fingerprinting attacks.
	if !sp.addrsSent.CompareAndSwap(false, true) {
		log.Tracef("Ignoring getaddr from %v - already sent", sp)
		return
	}

	addrCache := sp.pool.addrManager.AddressCache()
	if _, err := sp.PushAddrMsg(addrCache); err != nil {
		log.Errorf("Can't push address message to %s: %v", sp, err)
	}
}

// onAddr adds the advertised addresses to the address manager.
func (sp *serverPeer) onAddr(msg *wire.MsgAddr) {
	if sp.pool.isPrivateNet() {
		return
	}

	// A message that has no addresses is invalid.
	if len(msg.AddrList) == 0 {
		log.Errorf("Command [%s] from %s does not contain any addresses",
			msg.Command(), sp)
		sp.banPeer("empty addr message")
		return
	}

	now := time.Now()
	addrList := make([]*addrmgr.NetAddress, 0, len(msg.AddrList))
	for _, wireAddr := range msg.AddrList {
		// Don't add more address if we're disconnecting.
		if !sp.Connected() {
			return
		}

		// Set the timestamp to 5 days ago if it's more than 10 minutes in
		// the future so this address is one of the first to be removed
		// when space is needed.
		na := addrmgr.NewNetAddressFromWire(wireAddr)
		if na.Timestamp.After(now.Add(time.Minute * 10)) {
			na.Timestamp = now.Add(-1 * time.Hour * 24 * 5)
		}
		addrList = append(addrList, na)
	}
	sp.AddKnownAddresses(addrList)

	// Add addresses to the address manager.  The address manager handles
	// the details of things such as preventing duplicate addresses, max
	// addresses, and last seen updates.
	sp.pool.addrManager.AddAddresses(addrList, sp.NA())
}

// onInv hands announced inventory to the event handler.
func (sp *serverPeer) onInv(msg *wire.MsgInv) {
	// Ban peers sending empty inventory announcements.
	if len(msg.InvList) == 0 {
		sp.banPeer("empty inv message")
		return
	}
	sp.pool.queue(&invMsg{inv: msg, sp: sp})
}

// onGetData queues the requested items to be served asynchronously.
func (sp *serverPeer) onGetData(msg *wire.MsgGetData) {
	// Ban peers sending empty getdata requests.
	if len(msg.InvList) == 0 {
		sp.banPeer("empty getdata message")
		return
	}

	// A decaying ban score increase is applied to prevent exhausting resources
	// with unusually large inventory queries.
	//
	// Requesting more than the maximum inventory vector length within a short
	// period of time yields a score above the default ban threshold.  Sustained
	// bursts of small requests are not penalized as that would potentially ban
	// peers performing the initial chain sync.
	numNewReqs := uint32(len(msg.InvList))
	if sp.addBanScore(0, numNewReqs*99/wire.MaxInvPerMsg, "getdata") {
		return
	}

	// Prevent too many outstanding requests while still allowing the
	// flexibility to send multiple simultaneous getdata requests that are
	// served asynchronously.
	numPendingGetDataReqs := len(sp.getDataQueue)
	if numPendingGetDataReqs+1 > maxConcurrentGetDataReqs {
		log.Debugf("%s exceeded max allowed concurrent pending getdata "+
			"requests (max %d) -- disconnecting", sp, maxConcurrentGetDataReqs)
		sp.Disconnect()
		return
	}
	numPendingDataItemReqs := sp.numPendingGetDataItemReqs.Load()
	if numPendingDataItemReqs+numNewReqs > maxPendingGetDataItemReqs {
		log.Debugf("%s exceeded max allowed pending data item requests "+
			"(new %d, pending %d, max %d) -- disconnecting", sp, numNewReqs,
			numPendingDataItemReqs, maxPendingGetDataItemReqs)
		sp.Disconnect()
		return
	}

	sp.numPendingGetDataItemReqs.Add(numNewReqs)
	select {
	case <-sp.quit:
	case sp.getDataQueue <- msg.InvList:
	}
}

// fetchData returns the data message for the inventory vector.  Pending
// broadcast items are served first, then the mempool and the chain.  The
// second return value reports whether the item was a pending broadcast.
func (sp *serverPeer) fetchData(iv *wire.InvVect) (netwire.Message, bool) {
	p := sp.pool
	switch iv.Type {
	case wire.InvTypeTx:
		if msg := p.broadcasts.lookup(iv); msg != nil {
			return msg, true
		}
		tx, err := p.mempool.FetchTx(&iv.Hash)
		if err != nil {
			log.Tracef("Unable to fetch tx %v from transaction pool: %v",
				iv.Hash, err)
			return nil, false
		}
		return tx, false

	case wire.InvTypeBlock:
		if msg := p.broadcasts.lookup(iv); msg != nil {
			return msg, true
		}
		block, err := p.chain.BlockByHash(&iv.Hash)
		if err != nil {
			log.Tracef("Unable to fetch requested block hash %v: %v",
				iv.Hash, err)
			return nil, false
		}
		return block, false
	}
	return nil, false
}

// fetchBlock returns a pending broadcast or connected block.
func (sp *serverPeer) fetchBlock(hash *chainhash.Hash) (*wire.MsgBlock, bool) {
	iv := wire.NewInvVect(wire.InvTypeBlock, hash)
	msg, isBroadcast := sp.fetchData(iv)
	block, ok := msg.(*wire.MsgBlock)
	return block, ok && isBroadcast
}

// handleServeGetData serves the items of a single getdata request.
func (sp *serverPeer) handleServeGetData(invVects []*wire.InvVect,
	sendDoneChan chan struct{}, semaphore chan struct{}) {

	var notFoundMsg *wire.MsgNotFound
	for _, iv := range invVects {
		var sendInv, isBroadcast bool
		var dataMsgs []netwire.Message
		switch iv.Type {
		case wire.InvTypeTx:
			var msg netwire.Message
			msg, isBroadcast = sp.fetchData(iv)
			if msg != nil {
				dataMsgs = append(dataMsgs, msg)
			}

		case wire.InvTypeBlock:
			var msg netwire.Message
			msg, isBroadcast = sp.fetchData(iv)
			if msg == nil {
				break
			}
			dataMsgs = append(dataMsgs, msg)

			// When the peer requests the final block that was advertised in
			// response to a getblocks message which requested more blocks than
			// would fit into a single message, it requires a new inventory
			// message to trigger it to issue another getblocks message for the
			// next batch of inventory.
			continueHash := sp.continueHash.Load()
			sendInv = continueHash != nil && *continueHash == iv.Hash

		case netwire.InvTypeFilteredBlock:
			// Do not send a response if the peer doesn't have a filter
			// loaded.
			if !sp.filter.IsLoaded() {
				sp.numPendingGetDataItemReqs.Add(^uint32(0))
				continue
			}
			var block *wire.MsgBlock
			block, isBroadcast = sp.fetchBlock(&iv.Hash)
			if block == nil {
				break
			}
			merkle, matchedIndexes := sp.filter.MerkleBlock(block)
			dataMsgs = append(dataMsgs, merkle)
			for _, idx := range matchedIndexes {
				dataMsgs = append(dataMsgs, block.Transactions[idx])
			}

		case netwire.InvTypeCmpctBlock:
			var block *wire.MsgBlock
			block, isBroadcast = sp.fetchBlock(&iv.Hash)
			if block == nil {
				break
			}
			cmpct, err := newCmpctBlock(block)
			if err != nil {
				log.Errorf("Unable to create compact block %v: %v",
					iv.Hash, err)
			}
			if cmpct != nil && !sp.pool.cfg.NoCompact {
				sp.pool.recentBlocks.Put(iv.Hash, block)
				dataMsgs = append(dataMsgs, cmpct)
			} else {
				dataMsgs = append(dataMsgs, block)
			}

		default:
			log.Warnf("Unknown type '%d' in inventory request from %s",
				iv.Type, sp)
			sp.numPendingGetDataItemReqs.Add(^uint32(0))
			continue
		}
		if len(dataMsgs) == 0 {
			// Keep track of all items that were not found in order to send a
			// consolidated message once the entire batch is processed.
			if notFoundMsg == nil {
				notFoundMsg = wire.NewMsgNotFound()
			}
			notFoundMsg.AddInvVect(iv)

			// There is no need to wait for the semaphore below when there is
			// not any data to send.
			sp.numPendingGetDataItemReqs.Add(^uint32(0))
			continue
		}

		// Limit the number of items that can be queued to prevent wasting a
		// bunch of memory by queuing far more data than can be sent in a
		// reasonable time.  The waiting occurs after the fetch for the next
		// one to provide a little pipelining.
		for semAcquired := false; !semAcquired; {
			select {
			case <-sp.quit:
				return

			case semaphore <- struct{}{}:
				semAcquired = true

			case <-sendDoneChan:
				// Release semaphore.
				<-semaphore
			}
		}

		// Decrement the pending data item requests accordingly and queue the
		// data to be sent to the peer.  Only the final message of the item
		// releases the semaphore.
		sp.numPendingGetDataItemReqs.Add(^uint32(0))
		for i, msg := range dataMsgs {
			var dc chan<- struct{}
			if i == len(dataMsgs)-1 {
				dc = sendDoneChan
			}
			sp.QueueMessage(msg, dc)
		}

		// The item was requested, so the broadcast reached the network.
		if isBroadcast {
			sp.pool.broadcasts.ack(&iv.Hash)
		}

		// Send a new inventory message to trigger the peer to issue another
		// getblocks message for the next batch of inventory if needed.
		if sendInv {
			best, _ := sp.pool.chain.BestBlock()
			invMsg := wire.NewMsgInvSizeHint(1)
			invMsg.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &best))
			sp.QueueMessage(invMsg, nil)
			sp.continueHash.Store(nil)
		}
	}
	if notFoundMsg != nil {
		sp.QueueMessage(notFoundMsg, nil)
	}
}

// serveGetData provides an asynchronous queue that services all data requested
// via getdata requests such that the peer may mix and match simultaneous
// getdata requests for varying amounts of data items so long as it does not
// exceed the maximum number of simultaneous pending getdata messages or the
// maximum number of total overall pending data item requests.
//
// It must be run in a goroutine.
func (sp *serverPeer) serveGetData() {
	// Allow a max number of items to be loaded and queued for send.
	const maxPendingSend = 3
	sendDoneChan := make(chan struct{}, maxPendingSend+1)
	semaphore := make(chan struct{}, maxPendingSend)

	for {
		select {
		case <-sp.quit:
			return

		case invVects := <-sp.getDataQueue:
			sp.handleServeGetData(invVects, sendDoneChan, semaphore)

		// Release the semaphore as queued messages are sent.
		case <-sendDoneChan:
			<-semaphore
		}
	}
}

// onGetBlocks answers with the inventory of the blocks following the locator.
func (sp *serverPeer) onGetBlocks(msg *wire.MsgGetBlocks) {
	// Find the most recent known block in the best chain based on the block
	// locator and fetch all of the block hashes after it until either
	// wire.MaxBlocksPerMsg have been fetched or the provided stop hash is
	// encountered.
	hashList := sp.pool.chain.LocateBlocks(msg.BlockLocatorHashes,
		&msg.HashStop, wire.MaxBlocksPerMsg)

	// Generate inventory message.
	invMsg := wire.NewMsgInv()
	for i := range hashList {
		iv := wire.NewInvVect(wire.InvTypeBlock, &hashList[i])
		invMsg.AddInvVect(iv)
	}

	// Send the inventory message if there is anything to send.
	if len(invMsg.InvList) > 0 {
		invListLen := len(invMsg.InvList)
		if invListLen == wire.MaxBlocksPerMsg {
			// Intentionally use a copy of the final hash so there
			// is not a reference into the inventory slice which
			// would prevent the entire slice from being eligible
			// for GC as soon as it's sent.
			continueHash := invMsg.InvList[invListLen-1].Hash
			sp.continueHash.Store(&continueHash)
		}
		sp.QueueMessage(invMsg, nil)
	}
}

// onGetHeaders answers with the headers following the locator.
func (sp *serverPeer) onGetHeaders(msg *wire.MsgGetHeaders) {
	headers := sp.pool.chain.LocateHeaders(msg.BlockLocatorHashes,
		&msg.HashStop)

	// Send found headers to the requesting peer.
	blockHeaders := make([]*wire.BlockHeader, len(headers))
	for i := range headers {
		blockHeaders[i] = &headers[i]
	}
	sp.QueueMessage(&wire.MsgHeaders{Headers: blockHeaders}, nil)
}

// onMemPool announces the transactions of the mempool that pass the fee and
// bloom filters of the peer.
func (sp *serverPeer) onMemPool(_ *wire.MsgMemPool) {
	// A decaying ban score increase is applied to prevent flooding.
	// The ban score accumulates and passes the ban threshold if a burst of
	// mempool messages comes from a peer.  The score decays each minute to
	// half of its value.
	if sp.addBanScore(0, 33, "mempool") {
		return
	}

	mp := sp.pool.mempool
	feeFilter := sp.FeeFilter()
	for _, txHash := range mp.TxHashes() {
		txHash := txHash
		if feeFilter > 0 && mp.FeeRate(&txHash) < feeFilter {
			continue
		}
		if sp.filter.IsLoaded() {
			tx, err := mp.FetchTx(&txHash)
			if err != nil || !sp.filter.MatchTxAndUpdate(tx) {
				continue
			}
		}
		sp.QueueInventory(wire.NewInvVect(wire.InvTypeTx, &txHash))
	}
}

// onBlock processes a block received from the peer.  Blocks that were not
// requested are a protocol violation.  It blocks until the block has been
// fully processed.
func (sp *serverPeer) onBlock(msg *wire.MsgBlock) {
	hash := msg.BlockHash()
	sp.AddKnownInventory(wire.NewInvVect(wire.InvTypeBlock, &hash))

	reply := make(chan bool, 1)
	if !sp.pool.queue(&blockArrivedMsg{hash: hash, sp: sp, reply: reply}) {
		return
	}
	if !<-reply {
		log.Warnf("Got unrequested block %v from %s -- disconnecting",
			hash, sp)
		sp.addBanScore(20, 0, makeError(ErrUnrequestedBlock,
			"unrequested block").Error())
		sp.Disconnect()
		return
	}
	sp.pool.processBlock(sp, msg)
}

// onTx processes a transaction received from the peer.  It blocks until the
// transaction has been fully processed.
func (sp *serverPeer) onTx(msg *wire.MsgTx) {
	if sp.pool.cfg.DisableRelayTx {
		log.Tracef("Ignoring tx %v from %v - tx relay disabled",
			msg.TxHash(), sp)
		return
	}
	txHash := msg.TxHash()
	sp.AddKnownInventory(wire.NewInvVect(wire.InvTypeTx, &txHash))
	sp.pool.processTx(sp, msg)
}

// onReject resolves pending broadcasts rejected by the peer.
func (sp *serverPeer) onReject(msg *netwire.MsgReject) {
	log.Debugf("%s rejected %s %v: %s (%s)", sp, msg.Cmd, msg.Hash,
		msg.Reason, msg.Code)
	if msg.Cmd == wire.CmdTx || msg.Cmd == wire.CmdBlock {
		sp.pool.broadcasts.reject(&msg.Hash)
	}
	sp.pool.sendNotification(NTReject, &RejectNtfnsData{
		Peer:   sp.Peer,
		Reject: msg,
	})
}

// enforceNodeBloomFlag disconnects and bans the peer when it sends a filter
// message while bloom filtering is disabled.  It returns whether the message
// may be processed.
func (sp *serverPeer) enforceNodeBloomFlag(cmd string) bool {
	if !sp.pool.cfg.NoBloom {
		return true
	}
	sp.banPeer(cmd + " while bloom filtering is disabled")
	return false
}

// onFilterLoad loads the bloom filter of the peer.
func (sp *serverPeer) onFilterLoad(msg *netwire.MsgFilterLoad) {
	if !sp.enforceNodeBloomFlag(msg.Command()) {
		return
	}
	sp.filter.Load(msg)
}

// onFilterAdd adds data to the loaded bloom filter of the peer.  The peer
// is disconnected when no filter is loaded.
func (sp *serverPeer) onFilterAdd(msg *netwire.MsgFilterAdd) {
	if !sp.enforceNodeBloomFlag(msg.Command()) {
		return
	}
	if !sp.filter.Add(msg.Data) {
		log.Debugf("%s sent a filteradd request with no filter loaded "+
			"-- disconnecting", sp)
		sp.addBanScore(100, 0, "filteradd without filter")
		sp.Disconnect()
	}
}

// onFilterClear unloads the bloom filter of the peer.  The peer is
// disconnected when no filter is loaded.
func (sp *serverPeer) onFilterClear(msg *netwire.MsgFilterClear) {
	if !sp.enforceNodeBloomFlag(msg.Command()) {
		return
	}
	if !sp.filter.Unload() {
		log.Debugf("%s sent a filterclear request with no filter loaded "+
			"-- disconnecting", sp)
		sp.addBanScore(100, 0, "filterclear without filter")
		sp.Disconnect()
	}
}

// onCmpctBlock attempts to reconstruct an announced block from the mempool.
func (sp *serverPeer) onCmpctBlock(msg *netwire.MsgCmpctBlock) {
	hash := msg.BlockHash()
	sp.AddKnownInventory(wire.NewInvVect(wire.InvTypeBlock, &hash))
	if sp.pool.cfg.NoCompact {
		log.Debugf("Ignoring compact block %v from %s - compact blocks "+
			"disabled", hash, sp)
		return
	}

	reply := make(chan *wire.MsgBlock, 1)
	if !sp.pool.queue(&cmpctBlockMsg{msg: msg, sp: sp, reply: reply}) {
		return
	}
	if block := <-reply; block != nil {
		sp.pool.processBlock(sp, block)
	}
}

// onBlockTxn completes a partially reconstructed compact block.
func (sp *serverPeer) onBlockTxn(msg *netwire.MsgBlockTxn) {
	reply := make(chan *wire.MsgBlock, 1)
	if !sp.pool.queue(&blockTxnMsg{msg: msg, sp: sp, reply: reply}) {
		return
	}
	if block := <-reply; block != nil {
		sp.pool.processBlock(sp, block)
	}
}

// onGetBlockTxn answers a request for transactions of a block that was
// recently sent as a compact block.
func (sp *serverPeer) onGetBlockTxn(msg *netwire.MsgGetBlockTxn) {
	block, ok := sp.pool.recentBlocks.Get(msg.BlockHash)
	if !ok {
		log.Debugf("%s requested transactions of unknown compact block %v",
			sp, msg.BlockHash)
		sp.addBanScore(0, 10, "getblocktxn for unknown block")
		return
	}
	resp, err := newBlockTxn(block, msg.Indexes)
	if err != nil {
		log.Debugf("Invalid getblocktxn from %s: %v", sp, err)
		sp.addBanScore(100, 0, "invalid getblocktxn")
		return
	}
	sp.QueueMessage(resp, nil)
}

// run serves the getdata requests of the peer until it disconnects at which
// point the pool is notified.
func (sp *serverPeer) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		sp.serveGetData()
		wg.Done()
	}()

	// Wait for the peer to disconnect and notify the pool accordingly.
	sp.WaitForDisconnect()
	p := sp.pool
	select {
	case p.msgChan <- &donePeerMsg{sp: sp}:
	case <-p.quit:
	}

	// Shutdown remaining peer goroutines.
	close(sp.quit)
	wg.Wait()
}
