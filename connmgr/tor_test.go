// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// serveTorResolve accepts a single connection on the listener and answers a
// RESOLVE request with the provided reply header status, address type and
// address bytes.
func serveTorResolve(t *testing.T, l net.Listener, status, atype byte, addr []byte) {
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var greeting [3]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return
	}
	conn.Write([]byte{torSocksVersion, 0x00})

	var hdr [5]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	if hdr[1] != torCmdResolve || hdr[3] != torATypeDomainName {
		t.Errorf("unexpected request header %x", hdr)
		return
	}
	rest := make([]byte, int(hdr[4])+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return
	}

	reply := []byte{torSocksVersion, status, 0, atype}
	reply = append(reply, addr...)
	reply = append(reply, 0, 0)
	conn.Write(reply)
}

// TestTorLookupIP ensures the RESOLVE extension replies are parsed into
// addresses and errors as expected.
func TestTorLookupIP(t *testing.T) {
	ipv6 := net.ParseIP("2001:db8::1")
	tests := []struct {
		name   string
		status byte
		atype  byte
		addr   []byte
		want   net.IP
		err    error
	}{{
		name:  "ipv4",
		atype: torATypeIPv4,
		addr:  []byte{1, 2, 3, 4},
		want:  net.IPv4(1, 2, 3, 4),
	}, {
		name:  "ipv6",
		atype: torATypeIPv6,
		addr:  ipv6,
		want:  ipv6,
	}, {
		name:   "host unreachable",
		status: torHostUnreachable,
		atype:  torATypeIPv4,
		err:    ErrTorHostUnreachable,
	}, {
		name:   "unknown status",
		status: 0x7f,
		atype:  torATypeIPv4,
		err:    ErrTorInvalidProxyResponse,
	}, {
		name:  "domain name reply",
		atype: torATypeDomainName,
		err:   ErrTorInvalidAddressResponse,
	}}

	for _, test := range tests {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("unable to listen: %v", err)
		}
		go serveTorResolve(t, l, test.status, test.atype, test.addr)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ips, err := TorLookupIP(ctx, "example.onion", l.Addr().String())
		cancel()
		l.Close()
		if !errors.Is(err, test.err) {
			t.Errorf("%s: unexpected error -- got %v, want %v", test.name,
				err, test.err)
			continue
		}
		if err != nil {
			continue
		}
		if len(ips) != 1 || !ips[0].Equal(test.want) {
			t.Errorf("%s: unexpected ips -- got %v, want %v", test.name,
				ips, test.want)
		}
	}
}
