// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
	"github.com/jcuga/go-upnp"
)

const (
	// upnpDescription is the description of the port mapping.
	upnpDescription = "dcrp2pd listen port"

	// externalIPTimeout bounds the request to the external IP service.
	externalIPTimeout = 10 * time.Second

	// maxExternalIPReply is the maximum size of a reply of the external IP
	// service.
	maxExternalIPReply = 256
)

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP.  It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || host == "*" {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		zoneIndex := strings.LastIndex(host, "%")
		if zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		// Parse the IP.
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		// To4 returns nil when the IP is not an IPv4 address, so use
		// this determine the address type.
		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	return netAddrs, nil
}

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

// initListeners opens the configured listeners.  Listen addresses that fail
// are logged and skipped.
func initListeners(ctx context.Context, listenAddrs []string) ([]net.Listener, error) {
	netAddrs, err := parseListeners(listenAddrs)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		var listenConfig net.ListenConfig
		listener, err := listenConfig.Listen(ctx, addr.Network(), addr.String())
		if err != nil {
			p2pdLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

// addLocalAddress adds an address that this node is listening on to the
// address manager so that it may be relayed to peers.
func addLocalAddress(amgr *addrmgr.AddrManager, addr string, services wire.ServiceFlag) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return err
	}

	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		// If bound to unspecified address, advertise all local interfaces
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return err
		}

		for _, addr := range addrs {
			ifaceIP, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}

			// If bound to 0.0.0.0, do not add IPv6 interfaces and if bound to
			// ::, do not add IPv4 interfaces.
			if (ip.To4() == nil) != (ifaceIP.To4() == nil) {
				continue
			}

			netAddr := addrmgr.NewNetAddressIPPort(ifaceIP, uint16(port),
				services)
			amgr.AddLocalAddress(netAddr, addrmgr.InterfacePrio)
		}
	} else {
		netAddr, err := amgr.HostToNetAddress(host, uint16(port), services)
		if err != nil {
			return err
		}

		amgr.AddLocalAddress(netAddr, addrmgr.BoundPrio)
	}

	return nil
}

// addExternalIPs adds the addresses provided with --externalip to the address
// manager.  Addresses without a port use the default port of the network.
func addExternalIPs(amgr *addrmgr.AddrManager, externalIPs []string, defaultPort string, services wire.ServiceFlag) error {
	port, err := strconv.ParseUint(defaultPort, 10, 16)
	if err != nil {
		return fmt.Errorf("can not parse default port %s for active chain: %w",
			defaultPort, err)
	}

	for _, sip := range externalIPs {
		eport := uint16(port)
		host, portStr, err := net.SplitHostPort(sip)
		if err != nil {
			// no port, use default.
			host = sip
		} else {
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				p2pdLog.Warnf("Can not parse port from %s for externalip: %v",
					sip, err)
				continue
			}
			eport = uint16(port)
		}

		na, err := amgr.HostToNetAddress(host, eport, services)
		if err != nil {
			p2pdLog.Warnf("Not adding %s as externalip: %v", sip, err)
			continue
		}

		err = amgr.AddLocalAddress(na, addrmgr.ManualPrio)
		if err != nil {
			amgrLog.Warnf("Skipping specified external IP: %v", err)
		}
	}
	return nil
}

// listenPort returns the port of the first listener.
func listenPort(listeners []net.Listener) (uint16, bool) {
	for _, listener := range listeners {
		if addr, ok := listener.Addr().(*net.TCPAddr); ok {
			return uint16(addr.Port), true
		}
	}
	return 0, false
}

// mapUpnpPort discovers a UPnP gateway, forwards the listen port through it
// and records the external address of the gateway as a local address.
func mapUpnpPort(amgr *addrmgr.AddrManager, port uint16, services wire.ServiceFlag) error {
	gateway, err := upnp.Discover()
	if err != nil {
		return fmt.Errorf("can't discover upnp: %w", err)
	}
	if err := gateway.Forward(port, upnpDescription, "TCP"); err != nil {
		return fmt.Errorf("can't forward port %d through upnp: %w", port, err)
	}

	externalIP, err := gateway.ExternalIP()
	if err != nil {
		return fmt.Errorf("can't get external address from upnp: %w", err)
	}
	na, err := amgr.HostToNetAddress(externalIP, port, services)
	if err != nil {
		return err
	}
	if err := amgr.AddLocalAddress(na, addrmgr.UpnpPrio); err != nil {
		return err
	}
	p2pdLog.Infof("Mapped port %d through upnp, external address %s", port,
		externalIP)
	return nil
}

// fetchExternalIP asks the HTTP service at the URL for the public-facing IP of
// this host.  The service must reply with the address as plain text.
func fetchExternalIP(ctx context.Context, client *http.Client, url string) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, externalIPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external IP service replied with status %q",
			resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExternalIPReply))
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, fmt.Errorf("external IP service replied with malformed "+
			"address %q", body)
	}
	return ip, nil
}

// addHTTPExternalIP records the address returned by the external IP service
// as a local address.
func addHTTPExternalIP(ctx context.Context, amgr *addrmgr.AddrManager, client *http.Client, url string, port uint16, services wire.ServiceFlag) error {
	ip, err := fetchExternalIP(ctx, client, url)
	if err != nil {
		return err
	}
	na := addrmgr.NewNetAddressIPPort(ip, port, services)
	if err := amgr.AddLocalAddress(na, addrmgr.HTTPPrio); err != nil {
		return err
	}
	p2pdLog.Infof("External address from %s: %s", url, ip)
	return nil
}
