// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/decred/dcrp2p/addrmgr"
	"github.com/decred/dcrp2p/connmgr"
	"github.com/decred/dcrp2p/peer"
)

// banManagerConfig is the configuration struct for the ban manager.
type banManagerConfig struct {
	// DisableBanning represents the status of disabling banning of
	// misbehaving peers.
	DisableBanning bool

	// BanThreshold represents the maximum allowed ban score before
	// misbehaving peers are disconnecting and banned.
	BanThreshold uint32

	// BanDuration is the duration for which misbehaving peers stay banned for.
	BanDuration time.Duration

	// MaxPeers indicates the maximum number of inbound and outbound
	// peers allowed.
	MaxPeers int

	// Whitelist represents the whitelisted networks of the pool.
	Whitelist []net.IPNet

	// AddrManager records the bans and forgets the addresses of banned
	// hosts.
	AddrManager *addrmgr.AddrManager

	// OnBan is invoked with every banned peer.  It may be nil.
	OnBan func(p *peer.Peer)
}

// banMgrPeer extends a peer to maintain additional state maintained by the
// ban manager.
type banMgrPeer struct {
	*peer.Peer

	isWhitelisted bool
	banScore      connmgr.DynamicBanScore
}

// banManager represents a peer ban score tracking manager.
type banManager struct {
	cfg   banManagerConfig
	peers map[*peer.Peer]*banMgrPeer
	mtx   sync.Mutex
}

// newBanManager initializes a new peer banning manager.
func newBanManager(cfg *banManagerConfig) *banManager {
	return &banManager{
		cfg:   *cfg,
		peers: make(map[*peer.Peer]*banMgrPeer, cfg.MaxPeers),
	}
}

// lookupPeer returns the ban manager peer that maintains additional state for
// a given base peer.  In the event the mapping does not exist, a warning is
// logged and nil is returned.
//
// This function MUST be called with the ban manager mutex locked (for reads).
func (bm *banManager) lookupPeer(p *peer.Peer) *banMgrPeer {
	bmp, ok := bm.peers[p]
	if !ok {
		log.Warnf("Attempt to lookup unknown peer %s\nStack: %v", p,
			string(debug.Stack()))
		return nil
	}

	return bmp
}

// isWhitelisted checks if the provided address is part of the whitelist.
func (bm *banManager) isWhitelisted(na *addrmgr.NetAddress) bool {
	for _, ipnet := range bm.cfg.Whitelist {
		if ipnet.Contains(na.IP) {
			return true
		}
	}
	return false
}

// IsPeerWhitelisted checks if the provided peer is whitelisted.
func (bm *banManager) IsPeerWhitelisted(p *peer.Peer) bool {
	bm.mtx.Lock()
	bmp := bm.lookupPeer(p)
	bm.mtx.Unlock()
	if bmp == nil {
		return false
	}

	return bmp.isWhitelisted
}

// AcceptConn returns whether a connection from the remote address may be
// accepted, that is whether its host is not banned.
func (bm *banManager) AcceptConn(addr net.Addr) bool {
	na, err := addrmgr.ParseNetAddress(addr.String(), 0)
	if err != nil {
		return true
	}
	if bm.cfg.AddrManager.IsBanned(na.Host()) {
		log.Debugf("Refusing connection from banned host %s", na.Host())
		return false
	}
	return true
}

// AddPeer adds the provided peer to the ban manager.  Peers connecting from a
// banned host are disconnected.
func (bm *banManager) AddPeer(p *peer.Peer) error {
	na := p.NA()
	if na == nil {
		p.Disconnect()
		return fmt.Errorf("peer %s has no network address", p)
	}

	if bm.cfg.AddrManager.IsBanned(na.Host()) {
		p.Disconnect()
		return fmt.Errorf("peer %s is banned - disconnecting", na.Host())
	}

	bmp := &banMgrPeer{
		Peer:          p,
		isWhitelisted: bm.isWhitelisted(na),
	}

	bm.mtx.Lock()
	bm.peers[p] = bmp
	bm.mtx.Unlock()

	return nil
}

// RemovePeer discards the provided peer from the ban manager.
func (bm *banManager) RemovePeer(p *peer.Peer) {
	bm.mtx.Lock()
	delete(bm.peers, p)
	bm.mtx.Unlock()
}

// BanPeer bans the host of the provided peer, forgets its addresses and
// disconnects it.
func (bm *banManager) BanPeer(p *peer.Peer) {
	// Return immediately if banning is disabled.
	if bm.cfg.DisableBanning {
		return
	}

	bm.mtx.Lock()
	bmp := bm.lookupPeer(p)
	bm.mtx.Unlock()
	if bmp == nil {
		return
	}

	// Return if the peer is whitelisted.
	if bmp.isWhitelisted {
		return
	}

	host := p.NA().Host()
	direction := directionString(p.Inbound())
	log.Infof("Banned peer %s (%s) for %v", host, direction,
		bm.cfg.BanDuration)

	bm.cfg.AddrManager.Ban(host, time.Now().Add(bm.cfg.BanDuration))

	p.Disconnect()
	bm.RemovePeer(p)

	if bm.cfg.OnBan != nil {
		bm.cfg.OnBan(p)
	}
}

// AddBanScore increases the persistent and decaying ban scores of the
// provided peer by the values passed as parameters. If the resulting score
// exceeds half of the ban threshold, a warning is logged including the reason
// provided. Further, if the score is above the ban threshold, the peer will
// be banned.
func (bm *banManager) AddBanScore(p *peer.Peer, persistent, transient uint32, reason string) bool {
	// No warning is logged and no score is calculated if banning is disabled.
	if bm.cfg.DisableBanning {
		return false
	}

	bm.mtx.Lock()
	bmp := bm.lookupPeer(p)
	bm.mtx.Unlock()
	if bmp == nil {
		return false
	}

	if bmp.isWhitelisted {
		log.Debugf("Misbehaving whitelisted peer %s: %s", p, reason)
		return false
	}

	banScore := bmp.banScore.Int()
	warnThreshold := bm.cfg.BanThreshold >> 1
	if transient == 0 && persistent == 0 {
		// The score is not being increased, but a warning message is still
		// logged if the score is above the warn threshold.
		if banScore > warnThreshold {
			log.Warnf("Misbehaving peer %s: %s -- ban score is %d, "+
				"it was not increased this time", p, reason, banScore)
		}
		return false
	}

	banScore = bmp.banScore.Increase(persistent, transient)
	if banScore > warnThreshold {
		log.Warnf("Misbehaving peer %s: %s -- ban score increased to %d",
			p, reason, banScore)
		if banScore >= bm.cfg.BanThreshold {
			log.Warnf("Misbehaving peer %s -- banning and disconnecting", p)
			bm.BanPeer(p)
			return true
		}
	}

	return false
}

// BanScore returns the ban score of the provided peer.
func (bm *banManager) BanScore(p *peer.Peer) uint32 {
	bm.mtx.Lock()
	bmp := bm.lookupPeer(p)
	bm.mtx.Unlock()
	if bmp == nil {
		return 0
	}
	return bmp.banScore.Int()
}
