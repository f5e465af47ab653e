// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"
)

var (
	// Private IPv4 blocks (RFC1918).
	rfc1918Nets = []net.IPNet{
		ipNet("10.0.0.0", 8, 32),
		ipNet("172.16.0.0", 12, 32),
		ipNet("192.168.0.0", 16, 32),
	}

	// Benchmarking block (RFC2544).
	rfc2544Net = ipNet("198.18.0.0", 15, 32)

	// IPv6 documentation block (RFC3849).
	rfc3849Net = ipNet("2001:DB8::", 32, 128)

	// IPv4 link-local autoconfiguration (RFC3927).
	rfc3927Net = ipNet("169.254.0.0", 16, 32)

	// 6to4 encapsulation (RFC3964).
	rfc3964Net = ipNet("2002::", 16, 128)

	// IPv6 unique local addresses (RFC4193).
	rfc4193Net = ipNet("FC00::", 7, 128)

	// Teredo tunnelling (RFC4380).
	rfc4380Net = ipNet("2001::", 32, 128)

	// ORCHID (RFC4843).
	rfc4843Net = ipNet("2001:10::", 28, 128)

	// IPv6 stateless autoconfiguration (RFC4862).
	rfc4862Net = ipNet("FE80::", 64, 128)

	// IPv4 documentation blocks (RFC5737).
	rfc5737Net = []net.IPNet{
		ipNet("192.0.2.0", 24, 32),
		ipNet("198.51.100.0", 24, 32),
		ipNet("203.0.113.0", 24, 32),
	}

	// IPv6 well-known prefix (RFC6052).
	rfc6052Net = ipNet("64:FF9B::", 96, 128)

	// IPv4 translated addresses (RFC6145).
	rfc6145Net = ipNet("::FFFF:0:0:0", 96, 128)

	// Carrier-grade NAT shared space (RFC6598).
	rfc6598Net = ipNet("100.64.0.0", 10, 32)

	// onionCatNet is the IPv6 block used to carry Tor onion service keys
	// inside a 16 byte address: a fixed 6 byte prefix followed by the 10
	// byte base32-decoded onion name.
	onionCatNet = ipNet("fd87:d87e:eb43::", 48, 128)

	// Addresses starting with 0 (0.0.0.0/8).
	zero4Net = ipNet("0.0.0.0", 8, 32)

	// Hurricane Electric, grouped on /36 instead of /32.
	heNet = ipNet("2001:470::", 32, 128)
)

// onionCatPrefix is the leading bytes of an onionCatNet address.
var onionCatPrefix = []byte{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43}

func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

func isIPv4(netIP net.IP) bool {
	return netIP.To4() != nil
}

func isLocal(netIP net.IP) bool {
	return netIP.IsLoopback() || zero4Net.Contains(netIP)
}

func isOnionCatTor(netIP net.IP) bool {
	return onionCatNet.Contains(netIP)
}

func inAny(nets []net.IPNet, netIP net.IP) bool {
	for i := range nets {
		if nets[i].Contains(netIP) {
			return true
		}
	}
	return false
}

// isValid returns false for nil, unspecified and IPv4 broadcast addresses.
func isValid(netIP net.IP) bool {
	return netIP != nil && !(netIP.IsUnspecified() ||
		netIP.Equal(net.IPv4bcast))
}

// IsRoutable returns whether or not the passed address is routable over the
// public internet.  This is true as long as the address is valid and is not in
// any reserved ranges.  Onion addresses are considered routable.
func IsRoutable(netIP net.IP) bool {
	if !isValid(netIP) {
		return false
	}
	switch {
	case inAny(rfc1918Nets, netIP), rfc2544Net.Contains(netIP),
		rfc3927Net.Contains(netIP), rfc4862Net.Contains(netIP),
		rfc3849Net.Contains(netIP), rfc4843Net.Contains(netIP),
		inAny(rfc5737Net, netIP), rfc6598Net.Contains(netIP),
		isLocal(netIP):
		return false
	case rfc4193Net.Contains(netIP):
		return isOnionCatTor(netIP)
	}
	return true
}

// NetAddressType is used to indicate which network a network address belongs
// to.
type NetAddressType uint8

const (
	LocalAddress NetAddressType = iota
	IPv4Address
	IPv6Address
	TorAddress
)

// String returns the network name of the address type.
func (t NetAddressType) String() string {
	switch t {
	case LocalAddress:
		return "local"
	case IPv4Address:
		return "ipv4"
	case IPv6Address:
		return "ipv6"
	case TorAddress:
		return "onion"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// addressType returns the network the address belongs to.
func addressType(netIP net.IP) NetAddressType {
	switch {
	case isLocal(netIP):
		return LocalAddress
	case isIPv4(netIP):
		return IPv4Address
	case isOnionCatTor(netIP):
		return TorAddress
	default:
		return IPv6Address
	}
}

// GroupKey returns a string representing the network group an address is part
// of.  This is the /16 for IPv4, the /32 (/36 for he.net) for IPv6, the string
// "local" for a local address, "tor:N" keyed off the first four bits of an
// onion key, and "unroutable" for anything else.
func (na *NetAddress) GroupKey() string {
	netIP := na.IP
	switch {
	case isLocal(netIP):
		return "local"
	case !IsRoutable(netIP):
		return "unroutable"
	case isIPv4(netIP):
		return netIP.Mask(net.CIDRMask(16, 32)).String()
	case rfc6145Net.Contains(netIP), rfc6052Net.Contains(netIP):
		return net.IP(netIP[12:16]).Mask(net.CIDRMask(16, 32)).String()
	case rfc3964Net.Contains(netIP):
		return net.IP(netIP[2:6]).Mask(net.CIDRMask(16, 32)).String()
	case rfc4380Net.Contains(netIP):
		// Teredo carries the client IPv4 address inverted in the last four
		// bytes.
		v4 := make(net.IP, 4)
		for i, b := range netIP[12:16] {
			v4[i] = b ^ 0xff
		}
		return v4.Mask(net.CIDRMask(16, 32)).String()
	case isOnionCatTor(netIP):
		return fmt.Sprintf("tor:%d", netIP[6]&((1<<4)-1))
	}

	bits := 32
	if heNet.Contains(netIP) {
		bits = 36
	}
	return netIP.Mask(net.CIDRMask(bits, 128)).String()
}

// NetAddressReach represents the connection state between two addresses.
type NetAddressReach int

const (
	// Unreachable represents a publicly unreachable connection state
	// between two addresses.
	Unreachable NetAddressReach = 0

	// Default represents the default connection state between
	// two addresses.
	Default NetAddressReach = iota

	// Teredo represents a connection state between two RFC4380 addresses.
	Teredo

	// Ipv6Weak represents a weak IPV6 connection state between two
	// addresses.
	Ipv6Weak

	// Ipv4 represents an IPV4 connection state between two addresses.
	Ipv4

	// Ipv6Strong represents a connection state between two IPV6 addresses.
	Ipv6Strong

	// Private represents a connection state between two Tor addresses.
	Private
)

// getReachabilityFrom returns the relative reachability of the provided local
// address from the provided remote address.
func getReachabilityFrom(localAddr, remoteAddr *NetAddress) NetAddressReach {
	local, remote := localAddr.IP, remoteAddr.IP
	if !IsRoutable(remote) {
		return Unreachable
	}

	switch {
	case isOnionCatTor(remote):
		if isOnionCatTor(local) {
			return Private
		}
		if IsRoutable(local) && isIPv4(local) {
			return Ipv4
		}
		return Default

	case rfc4380Net.Contains(remote):
		switch {
		case !IsRoutable(local):
			return Default
		case rfc4380Net.Contains(local):
			return Teredo
		case isIPv4(local):
			return Ipv4
		}
		return Ipv6Weak

	case isIPv4(remote):
		if IsRoutable(local) && isIPv4(local) {
			return Ipv4
		}
		return Unreachable
	}

	// The remote is IPv6.
	tunnelled := rfc3964Net.Contains(local) || rfc6052Net.Contains(local) ||
		rfc6145Net.Contains(local)
	switch {
	case !IsRoutable(local):
		return Default
	case rfc4380Net.Contains(local):
		return Teredo
	case isIPv4(local):
		return Ipv4
	case tunnelled:
		return Ipv6Weak
	}
	return Ipv6Strong
}
