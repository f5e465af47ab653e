// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"io"
	"net"
)

const (
	torSocksVersion = 0x05

	torGeneralError      = 0x01
	torNotAllowed        = 0x02
	torNetUnreachable    = 0x03
	torHostUnreachable   = 0x04
	torConnectionRefused = 0x05
	torTTLExpired        = 0x06
	torCmdNotSupported   = 0x07
	torAddrNotSupported  = 0x08

	torATypeIPv4       = 1
	torATypeDomainName = 3
	torATypeIPv6       = 4

	torCmdResolve = 240

	// maxTorHostLen is the longest host name that fits in the single length
	// byte of a SOCKS domain name address.
	maxTorHostLen = 255
)

var torStatusErrors = map[byte]error{
	torGeneralError:      MakeError(ErrTorGeneralError, "tor general error"),
	torNotAllowed:        MakeError(ErrTorNotAllowed, "tor not allowed"),
	torNetUnreachable:    MakeError(ErrTorNetUnreachable, "tor network is unreachable"),
	torHostUnreachable:   MakeError(ErrTorHostUnreachable, "tor host is unreachable"),
	torConnectionRefused: MakeError(ErrTorConnectionRefused, "tor connection refused"),
	torTTLExpired:        MakeError(ErrTorTTLExpired, "tor TTL expired"),
	torCmdNotSupported:   MakeError(ErrTorCmdNotSupported, "tor command not supported"),
	torAddrNotSupported:  MakeError(ErrTorAddrNotSupported, "tor address type not supported"),
}

// torStatusError returns the error associated with a non-zero SOCKS reply
// status byte.
func torStatusError(status byte) error {
	if err, ok := torStatusErrors[status]; ok {
		return err
	}
	str := fmt.Sprintf("unknown SOCKS reply status %#x", status)
	return MakeError(ErrTorInvalidProxyResponse, str)
}

// TorLookupIP uses Tor to resolve DNS via the passed SOCKS proxy.  The proxy
// must support the Tor RESOLVE extension to SOCKS5.
func TorLookupIP(ctx context.Context, host, proxy string) ([]net.IP, error) {
	if len(host) > maxTorHostLen {
		str := fmt.Sprintf("host name %q is too long to resolve", host)
		return nil, MakeError(ErrTorInvalidAddressResponse, str)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", proxy)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Greeting offering only the no authentication method.
	if _, err := conn.Write([]byte{torSocksVersion, 0x01, 0x00}); err != nil {
		return nil, err
	}
	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return nil, err
	}
	if greeting[0] != torSocksVersion {
		return nil, MakeError(ErrTorInvalidProxyResponse,
			"invalid SOCKS proxy version")
	}
	if greeting[1] != 0x00 {
		return nil, MakeError(ErrTorUnrecognizedAuthMethod,
			"invalid proxy authentication method")
	}

	req := make([]byte, 0, 7+len(host))
	req = append(req, torSocksVersion, torCmdResolve, 0, torATypeDomainName,
		byte(len(host)))
	req = append(req, host...)
	req = append(req, 0, 0) // Port 0
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != torSocksVersion {
		return nil, MakeError(ErrTorInvalidProxyResponse,
			"invalid SOCKS proxy version")
	}
	if hdr[1] != 0 {
		return nil, torStatusError(hdr[1])
	}

	var addrLen int
	switch hdr[3] {
	case torATypeIPv4:
		addrLen = net.IPv4len
	case torATypeIPv6:
		addrLen = net.IPv6len
	default:
		return nil, MakeError(ErrTorInvalidAddressResponse,
			"unknown address type")
	}

	// The resolved address is followed by a two byte port which is ignored.
	reply := make([]byte, addrLen+2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		str := fmt.Sprintf("short address in reply: %v", err)
		return nil, MakeError(ErrTorInvalidAddressResponse, str)
	}
	addr := net.IP(reply[:addrLen])
	if hdr[3] == torATypeIPv4 {
		addr = net.IPv4(addr[0], addr[1], addr[2], addr[3])
	}
	return []net.IP{addr}, nil
}
