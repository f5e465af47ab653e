// Copyright (c) 2021-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/base32"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/wire"
)

// NetAddress defines information about a peer on the network.
type NetAddress struct {
	// IP is the address of the peer in 16 byte or 4 byte form.  Onion
	// services are carried in the onioncat range.
	IP net.IP

	// Port is the port of the remote peer.
	Port uint16

	// Services represents the service flags supported by this network address.
	Services wire.ServiceFlag

	// Timestamp is the last time the address was seen.
	Timestamp time.Time
}

// NewNetAddressIPPort creates a new network address given an ip, port, and the
// supported service flags for the address.  The timestamp is set to the
// current time truncated to seconds.
func NewNetAddressIPPort(ip net.IP, port uint16, services wire.ServiceFlag) *NetAddress {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return &NetAddress{
		IP:        ip,
		Port:      port,
		Services:  services,
		Timestamp: time.Unix(time.Now().Unix(), 0),
	}
}

// NewNetAddressFromWire converts a legacy wire network address.
func NewNetAddressFromWire(na *wire.NetAddress) *NetAddress {
	ip := na.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return &NetAddress{
		IP:        ip,
		Port:      na.Port,
		Services:  na.Services,
		Timestamp: na.Timestamp,
	}
}

// ToWire converts the address to its legacy wire representation.
func (na *NetAddress) ToWire() *wire.NetAddress {
	return wire.NewNetAddressTimestamp(na.Timestamp, na.Services, na.IP,
		na.Port)
}

// Type returns the network the address belongs to.
func (na *NetAddress) Type() NetAddressType {
	return addressType(na.IP)
}

// IsRoutable returns whether or not the address is routable over the public
// internet.
func (na *NetAddress) IsRoutable() bool {
	return IsRoutable(na.IP)
}

// IsOnion returns whether the address refers to a Tor onion service.
func (na *NetAddress) IsOnion() bool {
	return isOnionCatTor(na.IP)
}

// HasServices returns whether the address advertises all of the provided
// service flags.
func (na *NetAddress) HasServices(services wire.ServiceFlag) bool {
	return na.Services&services == services
}

// AddService adds the provided service to the set of services that the
// network address supports.
func (na *NetAddress) AddService(service wire.ServiceFlag) {
	na.Services |= service
}

// Host returns the host portion of the address.  Onion services are rendered
// with their .onion name.
func (na *NetAddress) Host() string {
	if isOnionCatTor(na.IP) {
		name := base32.StdEncoding.EncodeToString(na.IP[6:])
		return strings.ToLower(name) + ".onion"
	}
	return na.IP.String()
}

// Key returns the hostname string that identifies the address for bucketing
// purposes.  It is host:port for IPv4 and onion addresses and [host]:port for
// IPv6 addresses.
func (na *NetAddress) Key() string {
	return net.JoinHostPort(na.Host(), strconv.FormatUint(uint64(na.Port), 10))
}

// String returns a human-readable string for the network address.
func (na *NetAddress) String() string {
	return na.Key()
}

// Clone creates a shallow copy of the NetAddress instance.  The IP reference
// is shared since it is never mutated.
func (na *NetAddress) Clone() *NetAddress {
	c := *na
	return &c
}

// parseHost converts a literal host, either an IP or a 16 character onion
// name, into its 16 or 4 byte form.  It returns nil when the host needs name
// resolution.
func parseHost(host string) (net.IP, error) {
	if strings.HasSuffix(host, ".onion") {
		name := strings.TrimSuffix(host, ".onion")
		if len(name) != 16 {
			str := fmt.Sprintf("unsupported onion address %q", host)
			return nil, makeError(ErrUnknownAddressType, str)
		}
		data, err := base32.StdEncoding.DecodeString(strings.ToUpper(name))
		if err != nil {
			str := fmt.Sprintf("malformed onion address %q: %v", host, err)
			return nil, makeError(ErrUnknownAddressType, str)
		}
		ip := make(net.IP, 0, net.IPv6len)
		ip = append(ip, onionCatPrefix...)
		return append(ip, data...), nil
	}
	return net.ParseIP(host), nil
}

// ParseNetAddress parses a literal host:port string without performing any
// name resolution.
func ParseNetAddress(addr string, services wire.ServiceFlag) (*NetAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	ip, err := parseHost(host)
	if err != nil {
		return nil, err
	}
	if ip == nil {
		str := fmt.Sprintf("host %q is not a literal address", host)
		return nil, makeError(ErrUnknownAddressType, str)
	}
	return NewNetAddressIPPort(ip, uint16(port), services), nil
}
