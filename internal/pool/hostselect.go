// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/decred/dcrp2p/addrmgr"
)

const (
	// maxAddressTries is the number of addresses sampled from the address
	// manager per outbound connection.
	maxAddressTries = 100

	// recentAttemptTries is the number of samples during which recently
	// attempted addresses are skipped.
	recentAttemptTries = 30

	// recentAttemptInterval is the duration an attempted address counts as
	// recently attempted.
	recentAttemptInterval = 10 * time.Minute

	// defaultPortTries is the number of samples during which only addresses
	// on the default port of the network are accepted.
	defaultPortTries = 50
)

// simpleAddr implements the net.Addr interface with two struct fields.
type simpleAddr struct {
	net, addr string
}

// String returns the address.
//
// This is part of the net.Addr interface.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
//
// This is part of the net.Addr interface.
func (a simpleAddr) Network() string {
	return a.net
}

// Ensure simpleAddr implements the net.Addr interface.
var _ net.Addr = simpleAddr{}

// isConnectedHost returns whether a peer with the address key is connected.
func (p *Pool) isConnectedHost(key string) bool {
	p.hostsMtx.Lock()
	defer p.hostsMtx.Unlock()
	return p.connectedHosts[key] != 0
}

// outboundGroupCount returns the number of outbound peers in the group.
func (p *Pool) outboundGroupCount(group string) int {
	p.hostsMtx.Lock()
	defer p.hostsMtx.Unlock()
	return p.outboundGroups[group]
}

// isOutboundCandidate returns whether the sampled address may be dialed.  The
// recent attempt and default port filters are relaxed as the number of
// rejected samples grows so a small address manager does not starve the
// outbound connections.
func (p *Pool) isOutboundCandidate(na *addrmgr.NetAddress, lastAttempt time.Time, tries int) bool {
	// Skip connected hosts and hosts in the network segment of an outbound
	// peer so the outbound peers are spread over distinct segments.
	if p.isConnectedHost(na.Key()) || p.outboundGroupCount(na.GroupKey()) != 0 {
		return false
	}
	if !na.IsRoutable() {
		return false
	}
	if !na.HasServices(p.cfg.RequiredServices) {
		return false
	}
	if p.cfg.NoOnion && na.IsOnion() {
		return false
	}
	if p.addrManager.IsBanned(na.Host()) {
		return false
	}

	// Skip recently attempted nodes until we have tried 30 times.
	if tries < recentAttemptTries && !lastAttempt.IsZero() &&
		time.Since(lastAttempt) < recentAttemptInterval {
		return false
	}

	// Allow nondefault ports after 50 failed tries.
	port := strconv.FormatUint(uint64(na.Port), 10)
	if port != p.cfg.ChainParams.DefaultPort && tries < defaultPortTries {
		return false
	}
	return true
}

// newAddress returns the next address to dial for an automatic outbound
// connection.  The attempt is recorded with the address manager.
func (p *Pool) newAddress() (net.Addr, error) {
	for tries := 0; tries < maxAddressTries; tries++ {
		ka := p.addrManager.GetAddress()
		if ka == nil {
			break
		}
		na := ka.NetAddress()
		if !p.isOutboundCandidate(na, ka.LastAttempt(), tries) {
			continue
		}

		// Mark an attempt for the valid address.
		if err := p.addrManager.Attempt(na); err != nil {
			log.Debugf("Unable to mark attempt for %s: %v", na, err)
		}
		return simpleAddr{net: "tcp", addr: na.Key()}, nil
	}
	return nil, errors.New("no valid connect address")
}
