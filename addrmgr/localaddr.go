// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"

	"github.com/decred/dcrd/wire"
)

// AddressPriority type is used to describe the hierarchy of local address
// discovery methods.
type AddressPriority int

const (
	// InterfacePrio signifies the address is on a local interface
	InterfacePrio AddressPriority = iota

	// BoundPrio signifies the address has been explicitly bounded to.
	BoundPrio

	// UpnpPrio signifies the address was obtained from UPnP.
	UpnpPrio

	// HTTPPrio signifies the address was obtained from an external HTTP service.
	HTTPPrio

	// ManualPrio signifies the address was provided by --externalip.
	ManualPrio
)

// String returns the discovery method name.
func (p AddressPriority) String() string {
	switch p {
	case InterfacePrio:
		return "interface"
	case BoundPrio:
		return "bound"
	case UpnpPrio:
		return "upnp"
	case HTTPPrio:
		return "http"
	case ManualPrio:
		return "manual"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

type localAddress struct {
	na    *NetAddress
	score AddressPriority
}

// LocalAddr represents network address information for a local address.
type LocalAddr struct {
	Address string
	Port    uint16
	Score   int32
}

// AddLocalAddress adds na to the list of known local addresses to advertise
// with the given priority.  Rediscovering a known address through a better
// method raises its score.
//
// This function is safe for concurrent access.
func (a *AddrManager) AddLocalAddress(na *NetAddress, priority AddressPriority) error {
	if !na.IsRoutable() {
		str := fmt.Sprintf("address %s is not routable", na)
		return makeError(ErrNotRoutable, str)
	}

	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	key := na.Key()
	la, ok := a.localAddresses[key]
	switch {
	case !ok:
		a.localAddresses[key] = &localAddress{na: na, score: priority}
	case la.score < priority:
		la.score = priority + 1
	}
	return nil
}

// HasLocalAddress asserts if the manager has the provided local address.
//
// This function is safe for concurrent access.
func (a *AddrManager) HasLocalAddress(na *NetAddress) bool {
	a.lamtx.Lock()
	_, ok := a.localAddresses[na.Key()]
	a.lamtx.Unlock()
	return ok
}

// LocalAddresses returns a summary of the known local addresses.
//
// This function is safe for concurrent access.
func (a *AddrManager) LocalAddresses() []LocalAddr {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	addrs := make([]LocalAddr, 0, len(a.localAddresses))
	for _, la := range a.localAddresses {
		addrs = append(addrs, LocalAddr{
			Address: la.na.Host(),
			Port:    la.na.Port,
			Score:   int32(la.score),
		})
	}
	return addrs
}

// GetBestLocalAddress returns the local address that maximizes reachability
// from the given remote address, breaking ties by discovery score.  An
// unroutable placeholder is returned when no local address is suitable.
//
// This function is safe for concurrent access.
func (a *AddrManager) GetBestLocalAddress(remoteAddr *NetAddress) *NetAddress {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	bestReach := Default
	var bestScore AddressPriority
	var bestAddress *NetAddress
	for _, la := range a.localAddresses {
		reach := getReachabilityFrom(la.na, remoteAddr)
		if reach > bestReach ||
			(reach == bestReach && la.score > bestScore) {
			bestReach = reach
			bestScore = la.score
			bestAddress = la.na
		}
	}
	if bestAddress != nil {
		log.Debugf("Suggesting address %s for %s", bestAddress, remoteAddr)
		return bestAddress
	}

	log.Debugf("No worthy address for %s", remoteAddr)
	ip := net.IPv4zero
	if !isIPv4(remoteAddr.IP) && !isOnionCatTor(remoteAddr.IP) {
		ip = net.IPv6zero
	}
	return NewNetAddressIPPort(ip, 0, wire.SFNodeNetwork)
}

// ValidatePeerNa returns the validity and reachability of the provided local
// address based on its routability and reachability from the peer that
// suggested it.
//
// This function is safe for concurrent access.
func (a *AddrManager) ValidatePeerNa(localAddr, remoteAddr *NetAddress) (bool, NetAddressReach) {
	net := addressType(localAddr.IP)
	reach := getReachabilityFrom(localAddr, remoteAddr)
	valid := (net == IPv4Address && reach == Ipv4) || (net == IPv6Address &&
		(reach == Ipv6Weak || reach == Ipv6Strong || reach == Teredo))
	return valid, reach
}
