// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "time"

// isBanned reports whether host has an unexpired ban, pruning it otherwise.
//
// This function MUST be called with the address manager lock held.
func (a *AddrManager) isBanned(host string, now time.Time) bool {
	expiry, ok := a.banned[host]
	if !ok {
		return false
	}
	if now.Before(expiry) {
		return true
	}
	delete(a.banned, host)
	return false
}

// Ban records a ban on host until the provided time and forgets every known
// address on that host so it is never selected again while the ban lasts.
//
// This function is safe for concurrent access.
func (a *AddrManager) Ban(host string, until time.Time) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.banned[host] = until
	for key, ka := range a.addrIndex {
		if ka.na.Host() == host {
			a.removeEntry(key, ka)
		}
	}
	log.Debugf("Banned host %s until %v", host, until)
}

// Unban lifts any ban on host.
//
// This function is safe for concurrent access.
func (a *AddrManager) Unban(host string) {
	a.mtx.Lock()
	delete(a.banned, host)
	a.mtx.Unlock()
}

// IsBanned returns whether host is currently banned.
//
// This function is safe for concurrent access.
func (a *AddrManager) IsBanned(host string) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.isBanned(host, time.Now())
}

// ClearBans lifts every ban.
//
// This function is safe for concurrent access.
func (a *AddrManager) ClearBans() {
	a.mtx.Lock()
	a.banned = make(map[string]time.Time)
	a.mtx.Unlock()
}

// SetKnownPeer remembers the identity key a host authenticated with so
// future outbound connections to it can challenge for that key.
//
// This function is safe for concurrent access.
func (a *AddrManager) SetKnownPeer(hostKey string, key [33]byte) {
	a.mtx.Lock()
	a.knownPeers[hostKey] = key
	a.mtx.Unlock()
}

// KnownPeer returns the identity key remembered for a host.
//
// This function is safe for concurrent access.
func (a *AddrManager) KnownPeer(hostKey string) ([33]byte, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	key, ok := a.knownPeers[hostKey]
	return key, ok
}

// KnownPeers returns a copy of the identity keys remembered per host.
//
// This function is safe for concurrent access.
func (a *AddrManager) KnownPeers() map[string][33]byte {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	peers := make(map[string][33]byte, len(a.knownPeers))
	for host, key := range a.knownPeers {
		peers[host] = key
	}
	return peers
}
