// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
	"github.com/decred/dcrp2p/connmgr"
	"github.com/decred/dcrp2p/internal/progresslog"
	"github.com/decred/dcrp2p/netwire"
	"github.com/decred/dcrp2p/peer"
	"github.com/decred/dcrp2p/peerauth"
)

const (
	// defaultMaxPeers is the default maximum number of inbound and outbound
	// peers.
	defaultMaxPeers = 125

	// defaultTargetOutbound is the default number of outbound peers to
	// maintain.
	defaultTargetOutbound = 8

	// defaultBanThreshold is the default ban score at which misbehaving
	// peers are banned.
	defaultBanThreshold = 100

	// defaultBanDuration is the default duration a banned host stays banned.
	defaultBanDuration = time.Hour * 24

	// defaultBlockStallTimeout is the default duration the loader may go
	// without delivering requested data before it is disconnected.
	defaultBlockStallTimeout = time.Minute * 3

	// stallSampleInterval is the interval at which the loader is checked
	// for stalls.
	stallSampleInterval = time.Second * 30

	// connectionRetryInterval is the base amount of time to wait in between
	// retries when connecting to persistent peers.
	connectionRetryInterval = time.Second * 5

	// maxRejectedTxns specifies the maximum number of recently rejected
	// transactions to track and rejectedTxnsFPRate is the false positive
	// rate of the filter tracking them.
	maxRejectedTxns    = 62500
	rejectedTxnsFPRate = 0.0000001

	// maxRequestedBlocks is the maximum number of requested block hashes
	// to store in memory.
	maxRequestedBlocks = wire.MaxInvPerMsg

	// maxRequestedTxns is the maximum number of requested transactions
	// hashes to store in memory.
	maxRequestedTxns = wire.MaxInvPerMsg

	// maxRecentBlocks is the number of recently announced blocks kept to
	// serve getblocktxn requests.
	maxRecentBlocks = 8

	// maxPendingCmpctBlocks is the maximum number of partially filled
	// compact blocks a peer may have outstanding.
	maxPendingCmpctBlocks = 4

	// minInFlightBlocks is the minimum number of blocks that should be in
	// the request queue of the loader during the checkpoint sync before
	// requesting more.
	minInFlightBlocks = 10
)

// zeroHash is the zero value hash (all zeros).  It is defined as a convenience.
var zeroHash chainhash.Hash

// Checkpoint identifies a known good point in the block chain.
type Checkpoint struct {
	Height int64
	Hash   chainhash.Hash
}

// Config is the configuration of the pool.
type Config struct {
	// ChainParams identifies the network.
	ChainParams *chaincfg.Params

	// Chain and Mempool are the collaborators validating and storing blocks
	// and transactions.
	Chain   Chain
	Mempool Mempool

	// AddrManager is the address manager of the pool.  The pool starts
	// and stops it, so Load should be called beforehand.
	AddrManager *addrmgr.AddrManager

	// Checkpoints are the known good blocks ordered by height.  The
	// checkpoint sync runs while the best block is below the last one.
	Checkpoints []Checkpoint

	// Listeners are the listeners accepting inbound peers.
	Listeners []net.Listener

	// Dial connects to outbound peers.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	// Lookup resolves host names.
	Lookup func(host string) ([]net.IP, error)

	// Proxy is the proxy used for outbound connections, if any.
	Proxy string

	// MaxPeers is the maximum number of peers.  Defaults to 125.
	MaxPeers int

	// TargetOutbound is the number of outbound peers to maintain.  Defaults
	// to 8.
	TargetOutbound int

	// ConnectPeers are the only peers to connect to when set.  Automatic
	// outbound connections and DNS seeding are disabled.
	ConnectPeers []string

	// PersistentPeers are peers to maintain a connection with in addition
	// to automatic outbound connections.
	PersistentPeers []string

	// NoDNSSeed disables DNS seeding.
	NoDNSSeed bool

	// Services are the services advertised by the pool.
	Services wire.ServiceFlag

	// RequiredServices are the services an outbound peer must offer.
	// Defaults to full nodes.
	RequiredServices wire.ServiceFlag

	// NoOnion skips onion addresses when selecting outbound peers.
	NoOnion bool

	// DisableBanning, BanThreshold and BanDuration tune banning.  The
	// threshold defaults to 100 and the duration to 24 hours.
	DisableBanning bool
	BanThreshold   uint32
	BanDuration    time.Duration

	// Whitelist are networks whose peers are never banned.
	Whitelist []net.IPNet

	// DisableRelayTx asks peers not to announce transactions.
	DisableRelayTx bool

	// NoCompact disables compact block relay and NoBloom disables bloom
	// filter serving.
	NoCompact bool
	NoBloom   bool

	// Encrypt enables the encrypted transport and EncryptTimeout bounds the
	// wait for a peer to answer its negotiation.  The timeout defaults to
	// the one of the peer package.  Peers that do not take part are
	// disconnected unless AllowPlaintext is set.
	Encrypt        bool
	EncryptTimeout time.Duration
	AllowPlaintext bool

	// IdentityKey, AuthorizedKeys and RequireAuth configure peer
	// authentication.  KnownPeers are the identities of known hosts.
	IdentityKey    *secp256k1.PrivateKey
	AuthorizedKeys []peerauth.PubKey
	KnownPeers     map[string]peerauth.PubKey
	RequireAuth    bool

	// UserAgentName, UserAgentVersion and UserAgentComments are advertised
	// in version messages.
	UserAgentName     string
	UserAgentVersion  string
	UserAgentComments []string

	// BroadcastTimeout is how long a broadcast waits for a peer to request
	// it.  Defaults to one minute.
	BroadcastTimeout time.Duration

	// BlockStallTimeout is how long the loader may go without progress.
	// Defaults to three minutes.
	BlockStallTimeout time.Duration

	// Notifications is invoked with pool events.  It may be nil.
	Notifications NotificationCallback
}

// Stats is a snapshot of the state of the pool.
type Stats struct {
	Peers          int
	Outbound       int
	Loader         string
	HeadersFirst   bool
	BestHeight     int64
	InFlightBlocks int
	InFlightTxns   int
	Broadcasts     int
}

// newPeerMsg signifies a peer that completed its handshake.
type newPeerMsg struct {
	sp *serverPeer
}

// donePeerMsg signifies a disconnected peer.
type donePeerMsg struct {
	sp *serverPeer
}

// invMsg packages an inv message and the peer it came from.
type invMsg struct {
	inv *wire.MsgInv
	sp  *serverPeer
}

// headersMsg packages a headers message and the peer it came from.
type headersMsg struct {
	headers *wire.MsgHeaders
	sp      *serverPeer
}

// notFoundMsg packages a notfound message and the peer it came from.
type notFoundMsg struct {
	notFound *wire.MsgNotFound
	sp       *serverPeer
}

// blockArrivedMsg asks whether a received block was requested from the peer.
type blockArrivedMsg struct {
	hash  chainhash.Hash
	sp    *serverPeer
	reply chan bool
}

// blockResultMsg reports the outcome of processing a block.
type blockResultMsg struct {
	block    *wire.MsgBlock
	hash     chainhash.Hash
	sp       *serverPeer
	isOrphan bool
	err      error
	reply    chan struct{}
}

// txResultMsg reports the outcome of processing a transaction.
type txResultMsg struct {
	tx      *wire.MsgTx
	hash    chainhash.Hash
	sp      *serverPeer
	missing []chainhash.Hash
	err     error
	reply   chan struct{}
}

// cmpctBlockMsg packages a compact block and the peer it came from.  The
// reply carries the block when it could be reconstructed right away.
type cmpctBlockMsg struct {
	msg   *netwire.MsgCmpctBlock
	sp    *serverPeer
	reply chan *wire.MsgBlock
}

// blockTxnMsg packages the transactions completing a compact block.
type blockTxnMsg struct {
	msg   *netwire.MsgBlockTxn
	sp    *serverPeer
	reply chan *wire.MsgBlock
}

// relayMsg announces a broadcast item to every peer.
type relayMsg struct {
	iv *wire.InvVect
}

// getStatsMsg requests a snapshot of the state of the pool.
type getStatsMsg struct {
	reply chan Stats
}

// Pool maintains the peers of a node and drives the synchronization of the
// chain and the relay of transactions with them.
type Pool struct {
	cfg            Config
	chain          Chain
	mempool        Mempool
	addrManager    *addrmgr.AddrManager
	connManager    *connmgr.ConnManager
	banMgr         *banManager
	hashLocks      *hashLocker
	broadcasts     *broadcastTracker
	recentBlocks   *lru.Map[chainhash.Hash, *wire.MsgBlock]
	progressLogger *progresslog.Logger

	started  atomic.Bool
	shutdown atomic.Bool
	msgChan  chan interface{}
	quit     chan struct{}

	// hostsMtx protects the connected host counts which are also read by the
	// outbound address selection.
	hostsMtx       sync.Mutex
	connectedHosts map[string]int
	outboundGroups map[string]int

	// The following fields are owned by the event handler and must not be
	// accessed outside of it.
	peers           map[int32]*serverPeer
	loader          *serverPeer
	requestedTxns   map[chainhash.Hash]struct{}
	requestedBlocks map[chainhash.Hash]struct{}
	rejectedTxns    *apbf.Filter
	headersFirst    bool
	headerList      *list.List
	startHeader     *list.Element
	nextCheckpoint  *Checkpoint
	lastProgress    time.Time
}

// New returns a new pool for the provided configuration.  Run must be called
// to connect to peers.
func New(cfg *Config) (*Pool, error) {
	c := *cfg
	switch {
	case c.ChainParams == nil:
		return nil, makeError(ErrInvalidConfig, "no chain parameters")
	case c.Chain == nil || c.Mempool == nil:
		return nil, makeError(ErrInvalidConfig, "no chain or mempool")
	case c.AddrManager == nil:
		return nil, makeError(ErrInvalidConfig, "no address manager")
	case c.Dial == nil:
		return nil, makeError(ErrInvalidConfig, "no dial function")
	}
	for i := 1; i < len(c.Checkpoints); i++ {
		if c.Checkpoints[i].Height <= c.Checkpoints[i-1].Height {
			str := fmt.Sprintf("checkpoint at height %d is out of order",
				c.Checkpoints[i].Height)
			return nil, makeError(ErrInvalidConfig, str)
		}
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.TargetOutbound <= 0 {
		c.TargetOutbound = defaultTargetOutbound
	}
	if c.TargetOutbound > c.MaxPeers {
		c.TargetOutbound = c.MaxPeers
	}
	if c.RequiredServices == 0 {
		c.RequiredServices = wire.SFNodeNetwork
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = defaultBanThreshold
	}
	if c.BanDuration <= 0 {
		c.BanDuration = defaultBanDuration
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = defaultBroadcastTimeout
	}
	if c.BlockStallTimeout <= 0 {
		c.BlockStallTimeout = defaultBlockStallTimeout
	}
	if c.Lookup == nil {
		c.Lookup = net.LookupIP
	}
	if c.NoBloom {
		c.Services &^= wire.SFNodeBloom
	}
	if c.NoCompact {
		c.Services &^= netwire.SFNodeCompact
	}

	p := Pool{
		cfg:             c,
		chain:           c.Chain,
		mempool:         c.Mempool,
		addrManager:     c.AddrManager,
		hashLocks:       newHashLocker(),
		broadcasts:      newBroadcastTracker(c.BroadcastTimeout, broadcastAckDelay),
		recentBlocks:    lru.NewMap[chainhash.Hash, *wire.MsgBlock](maxRecentBlocks),
		progressLogger:  progresslog.New("Processed", log),
		msgChan:         make(chan interface{}),
		quit:            make(chan struct{}),
		connectedHosts:  make(map[string]int),
		outboundGroups:  make(map[string]int),
		peers:           make(map[int32]*serverPeer),
		requestedTxns:   make(map[chainhash.Hash]struct{}),
		requestedBlocks: make(map[chainhash.Hash]struct{}),
		rejectedTxns:    apbf.NewFilter(maxRejectedTxns, rejectedTxnsFPRate),
		headerList:      list.New(),
	}
	p.banMgr = newBanManager(&banManagerConfig{
		DisableBanning: c.DisableBanning,
		BanThreshold:   c.BanThreshold,
		BanDuration:    c.BanDuration,
		MaxPeers:       c.MaxPeers,
		Whitelist:      c.Whitelist,
		AddrManager:    c.AddrManager,
		OnBan: func(bp *peer.Peer) {
			p.sendNotification(NTBan, bp)
		},
	})
	for host, key := range c.KnownPeers {
		p.addrManager.SetKnownPeer(host, key)
	}

	// Only setup a function to return new addresses to connect to when not
	// running in connect-only mode.  The simulation and regression test
	// networks only connect to specifically specified peers.
	var newAddressFunc func() (net.Addr, error)
	if !p.isPrivateNet() && len(c.ConnectPeers) == 0 {
		newAddressFunc = p.newAddress
	}
	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      c.Listeners,
		OnAccept:       p.inboundPeerConnected,
		AcceptFilter:   p.banMgr.AcceptConn,
		RetryDuration:  connectionRetryInterval,
		TargetOutbound: uint32(c.TargetOutbound),
		Dial:           c.Dial,
		OnConnection:   p.outboundPeerConnected,
		GetNewAddress:  newAddressFunc,
	})
	if err != nil {
		return nil, err
	}
	p.connManager = cmgr
	return &p, nil
}

// queue hands a message to the event handler.  It returns false when the pool
// is shutting down.
func (p *Pool) queue(msg interface{}) bool {
	select {
	case p.msgChan <- msg:
		return true
	case <-p.quit:
		return false
	}
}

// isPrivateNet returns whether the pool runs on a network that must not leak
// addresses.
func (p *Pool) isPrivateNet() bool {
	net := p.cfg.ChainParams.Net
	return net == wire.SimNet || net == wire.RegNet
}

// lookupIdentity returns the identity previously proven by the host of the
// address, if any.
func (p *Pool) lookupIdentity(na *addrmgr.NetAddress) *peerauth.PubKey {
	for _, hostKey := range []string{na.Key(), na.Host()} {
		if key, ok := p.addrManager.KnownPeer(hostKey); ok {
			pubKey := peerauth.PubKey(key)
			return &pubKey
		}
	}
	return nil
}

// newPeerConfig returns the configuration for the given serverPeer.
func (p *Pool) newPeerConfig(sp *serverPeer) *peer.Config {
	return &peer.Config{
		Listeners: peer.MessageListeners{
			OnVersion:   sp.OnVersion,
			OnHandshake: sp.OnHandshake,
			OnMessage:   sp.OnMessage,
		},
		NewestBlock:       sp.newestBlock,
		HostToNetAddress:  p.addrManager.HostToNetAddress,
		Proxy:             p.cfg.Proxy,
		UserAgentName:     p.cfg.UserAgentName,
		UserAgentVersion:  p.cfg.UserAgentVersion,
		UserAgentComments: p.cfg.UserAgentComments,
		Net:               p.cfg.ChainParams.Net,
		Services:          p.cfg.Services,
		DisableRelayTx:    p.cfg.DisableRelayTx,
		Encrypt:           p.cfg.Encrypt,
		EncryptTimeout:    p.cfg.EncryptTimeout,
		AllowPlaintext:    p.cfg.AllowPlaintext,
		IdentityKey:       p.cfg.IdentityKey,
		AuthorizedKeys:    p.cfg.AuthorizedKeys,
		LookupIdentity:    p.lookupIdentity,
		OnIdentified:      sp.OnIdentified,
		RequireAuth:       p.cfg.RequireAuth,
	}
}

// inboundPeerConnected is invoked by the connection manager when a new inbound
// connection is established.  It initializes a new inbound server peer
// instance, associates it with the connection, and starts a goroutine to wait
// for disconnection.
func (p *Pool) inboundPeerConnected(conn net.Conn) {
	sp := newServerPeer(p, false)
	sp.Peer = peer.NewInboundPeer(p.newPeerConfig(sp))
	sp.isWhitelisted = p.banMgr.isWhitelisted(sp.NA())
	sp.AssociateConnection(conn)
	go sp.run()
}

// outboundPeerConnected is invoked by the connection manager when a new
// outbound connection is established.  It initializes a new outbound server
// peer instance, associates it with the relevant state such as the connection
// request instance and the connection itself, and finally notifies the address
// manager of the attempt.
func (p *Pool) outboundPeerConnected(c *connmgr.ConnReq, conn net.Conn) {
	sp := newServerPeer(p, c.Permanent)
	op, err := peer.NewOutboundPeer(p.newPeerConfig(sp), c.Addr.String())
	if err != nil {
		log.Debugf("Cannot create outbound peer %s: %v", c.Addr, err)
		conn.Close()
		p.connManager.Disconnect(c.ID())
		return
	}
	sp.Peer = op
	sp.connReq = c
	sp.isWhitelisted = p.banMgr.isWhitelisted(sp.NA())
	sp.AssociateConnection(conn)
	go sp.run()
}

// addHost records a connected peer for the outbound address selection.
func (p *Pool) addHost(sp *serverPeer) {
	na := sp.NA()
	p.hostsMtx.Lock()
	p.connectedHosts[na.Key()]++
	if !sp.Inbound() {
		p.outboundGroups[na.GroupKey()]++
	}
	p.hostsMtx.Unlock()
}

// removeHost forgets a disconnected peer.
func (p *Pool) removeHost(sp *serverPeer) {
	na := sp.NA()
	p.hostsMtx.Lock()
	if p.connectedHosts[na.Key()]--; p.connectedHosts[na.Key()] <= 0 {
		delete(p.connectedHosts, na.Key())
	}
	if !sp.Inbound() {
		group := na.GroupKey()
		if p.outboundGroups[group]--; p.outboundGroups[group] <= 0 {
			delete(p.outboundGroups, group)
		}
	}
	p.hostsMtx.Unlock()
}

// handleAddPeer deals with adding new peers.  It is invoked from the event
// handler goroutine.
func (p *Pool) handleAddPeer(sp *serverPeer) bool {
	// Ignore new peers if we're shutting down.
	if p.shutdown.Load() {
		log.Infof("New peer %s ignored - pool is shutting down", sp)
		sp.Disconnect()
		return false
	}

	// Disconnect banned peers.
	host := sp.NA().Host()
	if p.addrManager.IsBanned(host) {
		log.Debugf("Peer %s is banned -- disconnecting", host)
		sp.Disconnect()
		return false
	}

	// Limit max number of total peers.
	if len(p.peers) >= p.cfg.MaxPeers {
		log.Infof("Max peers reached [%d] - disconnecting peer %s",
			p.cfg.MaxPeers, sp)
		sp.Disconnect()
		return false
	}

	if err := p.banMgr.AddPeer(sp.Peer); err != nil {
		log.Debugf("Rejecting peer %s: %v", sp, err)
		sp.Disconnect()
		return false
	}

	// Add the new peer.
	log.Debugf("New peer %s (%s)", sp, directionString(sp.Inbound()))
	p.peers[sp.ID()] = sp
	p.addHost(sp)

	// Outbound peers completing the handshake prove the address good.
	na := sp.NA()
	if !sp.Inbound() {
		p.addrManager.Good(na, sp.Services())
		p.addrManager.Connected(na)
	}

	if !p.isPrivateNet() {
		// Request more addresses from outbound peers when needed.
		if !sp.Inbound() && p.addrManager.NeedMoreAddresses() {
			sp.QueueMessage(wire.NewMsgGetAddr(), nil)
		}

		// Advertise the local address when it is routable.
		lna := p.addrManager.GetBestLocalAddress(na)
		if lna.IsRoutable() {
			addrs := []*addrmgr.NetAddress{lna}
			if _, err := sp.PushAddrMsg(addrs); err != nil {
				log.Debugf("Unable to advertise local address to %s: %v",
					sp, err)
			}
		}
	}

	// Ask for new blocks to be announced with their headers, and compact
	// blocks to be sent when they are requested.
	sp.QueueMessage(wire.NewMsgSendHeaders(), nil)
	if !p.cfg.NoCompact && sp.Services()&netwire.SFNodeCompact != 0 {
		sp.QueueMessage(&netwire.MsgSendCmpct{
			Announce: false,
			Version:  netwire.CmpctBlockVersion,
		}, nil)
	}

	// Announce the pending broadcasts.
	for _, iv := range p.broadcasts.invVects() {
		sp.QueueInventory(iv)
	}

	// Outbound full nodes are candidates to drive the sync.
	sp.syncCandidate = !sp.Inbound() &&
		hasServices(sp.Services(), wire.SFNodeNetwork)
	if sp.syncCandidate {
		p.startSync()
	}

	p.sendNotification(NTPeerOpen, sp.Peer)
	return true
}

// handleDonePeer deals with peers that have signalled they are done.  It is
// invoked from the event handler goroutine.
func (p *Pool) handleDonePeer(sp *serverPeer) {
	if sp.connReq != nil {
		p.connManager.Disconnect(sp.connReq.ID())
	}
	if _, ok := p.peers[sp.ID()]; !ok {
		log.Tracef("Removed unregistered peer %s", sp)
		return
	}

	delete(p.peers, sp.ID())
	p.removeHost(sp)
	p.banMgr.RemovePeer(sp.Peer)
	if !sp.Inbound() && sp.VersionKnown() {
		p.addrManager.Connected(sp.NA())
	}
	log.Debugf("Removed peer %s", sp)

	// Remove requested transactions from the global map and request them
	// from another peer that announced them.
	txRequeue := make([]chainhash.Hash, 0, len(sp.requestedTxns))
	for txHash := range sp.requestedTxns {
		delete(p.requestedTxns, txHash)
		txRequeue = append(txRequeue, txHash)
	}

	// Remove requested blocks from the global map and request them from
	// another peer that announced them.
	var requeue []chainhash.Hash
	for blockHash := range sp.requestedBlocks {
		delete(p.requestedBlocks, blockHash)
		requeue = append(requeue, blockHash)
	}

	// Attempt to find a new loader when the current one disconnected.
	if sp == p.loader {
		p.loader = nil
		if p.headersFirst {
			best, height := p.chain.BestBlock()
			p.resetHeaderState(&best, height)
		}
		p.startSync()
	}
	p.requeueBlocks(requeue)
	p.requeueTxns(txRequeue)

	p.sendNotification(NTPeerClosed, sp.Peer)
}

// requeueTxns requests transactions that were in flight from a disconnected
// peer from another peer that is known to have them.  Transactions that are
// no longer needed are skipped.
func (p *Pool) requeueTxns(hashes []chainhash.Hash) {
	if p.cfg.DisableRelayTx {
		return
	}
	requests := make(map[*serverPeer]*wire.MsgGetData)
	for i := range hashes {
		hash := &hashes[i]
		if _, ok := p.requestedTxns[*hash]; ok || !p.needTx(hash) {
			continue
		}
		iv := wire.NewInvVect(wire.InvTypeTx, hash)
		for _, sp := range p.peers {
			if !sp.Connected() || !sp.IsKnownInventory(iv) {
				continue
			}
			gdmsg, ok := requests[sp]
			if !ok {
				gdmsg = wire.NewMsgGetData()
				requests[sp] = gdmsg
			}
			if len(gdmsg.InvList) == wire.MaxInvPerMsg {
				continue
			}
			limitAdd(p.requestedTxns, *hash, maxRequestedTxns)
			limitAdd(sp.requestedTxns, *hash, maxRequestedTxns)
			gdmsg.AddInvVect(iv)
			break
		}
	}
	for sp, gdmsg := range requests {
		if len(gdmsg.InvList) == 0 {
			continue
		}
		log.Debugf("Requesting %d %s from %s", len(gdmsg.InvList),
			pickNoun(uint64(len(gdmsg.InvList)), "transaction",
				"transactions"), sp)
		sp.QueueMessage(gdmsg, nil)
	}
}

// requeueBlocks requests blocks that were in flight from a disconnected peer
// from another peer that is known to have them.
func (p *Pool) requeueBlocks(hashes []chainhash.Hash) {
	if p.headersFirst {
		return
	}
	for i := range hashes {
		hash := &hashes[i]
		if _, ok := p.requestedBlocks[*hash]; ok || p.chain.HaveBlock(hash) {
			continue
		}
		iv := wire.NewInvVect(wire.InvTypeBlock, hash)
		for _, sp := range p.peers {
			if !sp.Connected() || !sp.IsKnownInventory(iv) {
				continue
			}
			log.Debugf("Requesting block %v from %s", hash, sp)
			p.requestBlock(sp, hash, false)
			break
		}
	}
}

// requestBlock requests a block from the peer.  Compact blocks are requested
// when allowed and the peer supports them.
func (p *Pool) requestBlock(sp *serverPeer, hash *chainhash.Hash, allowCmpct bool) {
	limitAdd(p.requestedBlocks, *hash, maxRequestedBlocks)
	limitAdd(sp.requestedBlocks, *hash, maxRequestedBlocks)
	invType := wire.InvTypeBlock
	if allowCmpct && p.wantsCmpctFrom(sp) {
		invType = netwire.InvTypeCmpctBlock
	}
	gdmsg := wire.NewMsgGetDataSizeHint(1)
	gdmsg.AddInvVect(wire.NewInvVect(invType, hash))
	sp.QueueMessage(gdmsg, nil)
}

// handleRelay announces a broadcast item to every connected peer that does not
// already know about it.
func (p *Pool) handleRelay(iv *wire.InvVect) {
	for _, sp := range p.peers {
		if !sp.Connected() || sp.IsKnownInventory(iv) {
			continue
		}
		sp.QueueInventory(iv)
	}
}

// relayTx announces an accepted transaction to the peers that did not send it
// and whose fee and bloom filters match it.
func (p *Pool) relayTx(tx *wire.MsgTx, from *serverPeer) {
	txHash := tx.TxHash()
	iv := wire.NewInvVect(wire.InvTypeTx, &txHash)
	feeRate := p.mempool.FeeRate(&txHash)
	for _, sp := range p.peers {
		if sp == from || !sp.Connected() || sp.IsKnownInventory(iv) {
			continue
		}
		if feeFilter := sp.FeeFilter(); feeFilter > 0 && feeRate < feeFilter {
			continue
		}
		if sp.filter.IsLoaded() && !sp.filter.MatchTxAndUpdate(tx) {
			continue
		}
		sp.QueueInventory(iv)
	}
}

// relayBlock announces a connected block to the peers that did not send it.
// Peers are sent a compact block, a header or an inventory vector according to
// their announcement preferences.
func (p *Pool) relayBlock(block *wire.MsgBlock, from *serverPeer) {
	hash := block.BlockHash()
	iv := wire.NewInvVect(wire.InvTypeBlock, &hash)
	var cmpct *netwire.MsgCmpctBlock
	var cmpctCreated bool
	for _, sp := range p.peers {
		if sp == from || !sp.Connected() || sp.IsKnownInventory(iv) {
			continue
		}

		if announce, version := sp.WantsCmpct(); announce &&
			version >= netwire.CmpctBlockVersion && !p.cfg.NoCompact {

			if !cmpctCreated {
				var err error
				cmpct, err = newCmpctBlock(block)
				if err != nil {
					log.Errorf("Unable to create compact block %v: %v",
						hash, err)
				}
				if cmpct != nil {
					p.recentBlocks.Put(hash, block)
				}
				cmpctCreated = true
			}
			if cmpct != nil {
				sp.AddKnownInventory(iv)
				sp.QueueMessage(cmpct, nil)
				continue
			}
		}

		if sp.WantsHeaders() {
			sp.AddKnownInventory(iv)
			headers := &wire.MsgHeaders{
				Headers: []*wire.BlockHeader{&block.Header},
			}
			sp.QueueMessage(headers, nil)
			continue
		}
		sp.QueueInventory(iv)
	}
}

// handleStats returns a snapshot of the state of the pool.
func (p *Pool) handleStats() Stats {
	_, height := p.chain.BestBlock()
	stats := Stats{
		Peers:          len(p.peers),
		HeadersFirst:   p.headersFirst,
		BestHeight:     height,
		InFlightBlocks: len(p.requestedBlocks),
		InFlightTxns:   len(p.requestedTxns),
		Broadcasts:     p.broadcasts.count(),
	}
	for _, sp := range p.peers {
		if !sp.Inbound() {
			stats.Outbound++
		}
	}
	if p.loader != nil {
		stats.Loader = p.loader.Addr()
	}
	return stats
}

// handler is the main handler for the pool.  It must be run as a goroutine.
// It processes peer lifecycle events and the messages that mutate the shared
// sync state in a single goroutine without needing to lock those data
// structures.
func (p *Pool) handler(ctx context.Context) {
	p.addrManager.Start()
	_, height := p.chain.BestBlock()
	p.nextCheckpoint = p.findNextHeaderCheckpoint(height)
	stallTicker := time.NewTicker(stallSampleInterval)
	defer stallTicker.Stop()

out:
	for {
		select {
		case data := <-p.msgChan:
			switch msg := data.(type) {
			case *newPeerMsg:
				p.handleAddPeer(msg.sp)

			case *donePeerMsg:
				p.handleDonePeer(msg.sp)

			case *invMsg:
				p.handleInvMsg(msg)

			case *headersMsg:
				p.handleHeadersMsg(msg)

			case *notFoundMsg:
				p.handleNotFoundMsg(msg)

			case *blockArrivedMsg:
				_, requested := msg.sp.requestedBlocks[msg.hash]
				msg.reply <- requested

			case *blockResultMsg:
				p.handleBlockResult(msg)
				msg.reply <- struct{}{}

			case *txResultMsg:
				p.handleTxResult(msg)
				msg.reply <- struct{}{}

			case *cmpctBlockMsg:
				msg.reply <- p.handleCmpctBlockMsg(msg)

			case *blockTxnMsg:
				msg.reply <- p.handleBlockTxnMsg(msg)

			case *relayMsg:
				p.handleRelay(msg.iv)

			case *getStatsMsg:
				msg.reply <- p.handleStats()

			default:
				log.Warnf("Invalid message type in event handler: %T", msg)
			}

		case <-stallTicker.C:
			p.handleStallSample()

		case <-ctx.Done():
			break out
		}
	}

	// Disconnect the remaining peers.
	for _, sp := range p.peers {
		sp.Disconnect()
	}
	if err := p.addrManager.Stop(); err != nil {
		log.Errorf("Failed to stop the address manager: %v", err)
	}
	log.Trace("Pool event handler done")
}

// Run connects to peers and serves them until the context is cancelled.  It
// blocks until the pool is shut down.
func (p *Pool) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		log.Warn("Pool already started")
		return
	}
	log.Trace("Starting pool")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		p.handler(ctx)
		wg.Done()
	}()
	go func() {
		p.connManager.Run(ctx)
		wg.Done()
	}()

	// Discover peers through the DNS seeds unless only specific peers are to
	// be used.
	if !p.cfg.NoDNSSeed && len(p.cfg.ConnectPeers) == 0 {
		// Since the seeders return the addresses of nodes rather than their
		// own, the first returned address is used as the source.
		connmgr.SeedFromDNS(ctx, p.cfg.ChainParams, p.cfg.RequiredServices,
			p.cfg.Lookup, func(addrs []*addrmgr.NetAddress) {
				p.addrManager.AddAddresses(addrs, addrs[0])
			})
	}

	// Connect to the permanent peers.
	permanentPeers := p.cfg.ConnectPeers
	if len(permanentPeers) == 0 {
		permanentPeers = p.cfg.PersistentPeers
	}
	for _, addr := range permanentPeers {
		go func(addr string) {
			if err := p.Connect(ctx, addr, true); err != nil {
				log.Errorf("Unable to connect to %s: %v", addr, err)
			}
		}(addr)
	}

	<-ctx.Done()
	p.shutdown.Store(true)
	close(p.quit)
	wg.Wait()
	p.broadcasts.stop()
	log.Trace("Pool stopped")
}

// addrStringToNetAddr takes an address in the form of 'host:port' and returns
// a net.Addr which maps to the original address with any host names resolved
// to IP addresses.
func (p *Pool) addrStringToNetAddr(addr string) (net.Addr, error) {
	host, strPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(strPort, 10, 16)
	if err != nil {
		return nil, err
	}

	// Skip if host is already an IP address.
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: int(port)}, nil
	}

	// Tor addresses cannot be resolved to an IP, so just return an onion
	// address instead.
	if strings.HasSuffix(host, ".onion") {
		if p.cfg.NoOnion {
			return nil, errors.New("tor has been disabled")
		}
		return simpleAddr{net: "tcp", addr: addr}, nil
	}

	// Attempt to look up an IP address associated with the parsed host.
	ips, err := p.cfg.Lookup(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return &net.TCPAddr{IP: ips[0], Port: int(port)}, nil
}

// Connect establishes an outbound connection to the address in the
// background.  Permanent connections are retried when they fail or
// disconnect.
func (p *Pool) Connect(ctx context.Context, addr string, permanent bool) error {
	if p.shutdown.Load() {
		return makeError(ErrShutdown, "pool is shutting down")
	}
	netAddr, err := p.addrStringToNetAddr(addr)
	if err != nil {
		return err
	}
	go p.connManager.Connect(ctx, &connmgr.ConnReq{
		Addr:      netAddr,
		Permanent: permanent,
	})
	return nil
}

// Broadcast announces a transaction or block to every peer.  The returned
// channel receives true once a peer requested the item and false when a peer
// rejected it or nobody requested it before the broadcast timeout.  Repeated
// broadcasts of a pending item share its timeout.
func (p *Pool) Broadcast(msg netwire.Message) (<-chan bool, error) {
	var iv *wire.InvVect
	switch msg := msg.(type) {
	case *wire.MsgTx:
		hash := msg.TxHash()
		iv = wire.NewInvVect(wire.InvTypeTx, &hash)
	case *wire.MsgBlock:
		hash := msg.BlockHash()
		iv = wire.NewInvVect(wire.InvTypeBlock, &hash)
	default:
		str := fmt.Sprintf("unable to broadcast %s messages", msg.Command())
		return nil, makeError(ErrUnsupportedBroadcast, str)
	}
	if p.shutdown.Load() {
		return nil, makeError(ErrShutdown, "pool is shutting down")
	}

	result, isNew := p.broadcasts.add(iv, msg)
	if isNew && p.started.Load() {
		p.queue(&relayMsg{iv: iv})
	}
	return result, nil
}

// Stats returns a snapshot of the state of the pool.
func (p *Pool) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if !p.started.Load() || !p.queue(&getStatsMsg{reply: reply}) {
		return Stats{}, makeError(ErrShutdown, "pool is not running")
	}
	return <-reply, nil
}

// processBlock validates a block received from the peer and reports the
// result to the event handler.  Blocks with the same hash are processed one at
// a time.
func (p *Pool) processBlock(sp *serverPeer, block *wire.MsgBlock) {
	hash := block.BlockHash()
	unlock := p.hashLocks.lock(&hash)
	defer unlock()

	isOrphan, err := p.chain.ProcessBlock(block)
	if err != nil {
		var vErr *VerifyError
		if errors.As(err, &vErr) {
			log.Infof("Rejected block %v from %s: %v", hash, sp, err)
			sp.PushRejectMsg(wire.CmdBlock, vErr.Code, vErr.Reason, &hash,
				false)
			if vErr.Score > 0 {
				sp.addBanScore(vErr.Score, 0, vErr.Reason)
			}
		} else {
			log.Errorf("Failed to process block %v: %v", hash, err)
		}
	}

	reply := make(chan struct{}, 1)
	if !p.queue(&blockResultMsg{block: block, hash: hash, sp: sp,
		isOrphan: isOrphan, err: err, reply: reply}) {
		return
	}
	<-reply
}

// processTx validates a transaction received from the peer and reports the
// result to the event handler.  Transactions with the same hash are processed
// one at a time.
func (p *Pool) processTx(sp *serverPeer, tx *wire.MsgTx) {
	hash := tx.TxHash()
	unlock := p.hashLocks.lock(&hash)
	defer unlock()

	// Ignore transactions that have already been rejected.  The transaction
	// was unsolicited if it was already previously rejected.
	if p.mempool.HasReject(&hash) {
		log.Debugf("Ignoring unsolicited previously rejected transaction "+
			"%v from %s", hash, sp)
		return
	}

	missing, err := p.mempool.AddTx(tx, sp.ID())
	if err != nil {
		var vErr *VerifyError
		if errors.As(err, &vErr) {
			log.Debugf("Rejected transaction %v from %s: %v", hash, sp, err)
			sp.PushRejectMsg(wire.CmdTx, vErr.Code, vErr.Reason, &hash, false)
			if vErr.Score > 0 {
				sp.addBanScore(vErr.Score, 0, vErr.Reason)
			}
		} else {
			log.Errorf("Failed to process transaction %v: %v", hash, err)
		}
	}

	reply := make(chan struct{}, 1)
	if !p.queue(&txResultMsg{tx: tx, hash: hash, sp: sp, missing: missing,
		err: err, reply: reply}) {
		return
	}
	<-reply
}

// limitAdd is a helper function for maps that require a maximum limit by
// evicting a random value if adding the new value would cause it to
// overflow the maximum allowed.
func limitAdd(m map[chainhash.Hash]struct{}, hash chainhash.Hash, limit int) {
	// Nothing to do if entry is already in the map.
	if _, exists := m[hash]; exists {
		return
	}
	if len(m)+1 > limit {
		// Remove a random entry from the map.  The iteration order is not
		// important here because an adversary would have to be able to pull
		// off preimage attacks on the hashing function in order to target
		// eviction of specific entries anyways.
		for txHash := range m {
			delete(m, txHash)
			break
		}
	}
	m[hash] = struct{}{}
}
