// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"errors"
	"net"
	"testing"

	"github.com/decred/dcrd/wire"
)

func TestParseNetAddress(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		wantKey  string
		wantType NetAddressType
		wantErr  error
	}{{
		name:     "ipv4",
		addr:     "44.1.2.3:9108",
		wantKey:  "44.1.2.3:9108",
		wantType: IPv4Address,
	}, {
		name:     "ipv4 mapped ipv6",
		addr:     "[::ffff:44.1.2.3]:9108",
		wantKey:  "44.1.2.3:9108",
		wantType: IPv4Address,
	}, {
		name:     "ipv6",
		addr:     "[2620:100::1]:9108",
		wantKey:  "[2620:100::1]:9108",
		wantType: IPv6Address,
	}, {
		name:     "loopback",
		addr:     "127.0.0.1:9108",
		wantKey:  "127.0.0.1:9108",
		wantType: LocalAddress,
	}, {
		name:     "onion",
		addr:     "abcdefghijklmnop.onion:9108",
		wantKey:  "abcdefghijklmnop.onion:9108",
		wantType: TorAddress,
	}, {
		name:    "hostname",
		addr:    "example.org:9108",
		wantErr: ErrUnknownAddressType,
	}, {
		name:    "short onion",
		addr:    "abc.onion:9108",
		wantErr: ErrUnknownAddressType,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			na, err := ParseNetAddress(test.addr, wire.SFNodeNetwork)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("unexpected error: want %v, got %v",
					test.wantErr, err)
			}
			if err != nil {
				return
			}
			if got := na.Key(); got != test.wantKey {
				t.Fatalf("unexpected key: want %s, got %s",
					test.wantKey, got)
			}
			if got := na.Type(); got != test.wantType {
				t.Fatalf("unexpected type: want %v, got %v",
					test.wantType, got)
			}
		})
	}
}

func TestNetAddressServices(t *testing.T) {
	na := NewNetAddressIPPort(net.ParseIP("44.1.2.3"), 9108, 0)
	if na.HasServices(wire.SFNodeNetwork) {
		t.Fatal("address should not advertise any services")
	}
	na.AddService(wire.SFNodeNetwork)
	if !na.HasServices(wire.SFNodeNetwork) {
		t.Fatal("address should advertise the network service")
	}

	clone := na.Clone()
	clone.Services = 0
	if !na.HasServices(wire.SFNodeNetwork) {
		t.Fatal("clone modified the original address")
	}
}

func TestNetAddressWire(t *testing.T) {
	na := NewNetAddressIPPort(net.ParseIP("44.1.2.3"), 9108,
		wire.SFNodeNetwork)
	got := NewNetAddressFromWire(na.ToWire())
	if got.Key() != na.Key() || got.Services != na.Services ||
		!got.Timestamp.Equal(na.Timestamp) {

		t.Fatalf("mismatched wire conversion: got %v want %v", got, na)
	}
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want string
	}{
		{"ipv4 local", "127.0.0.1", "local"},
		{"ipv4 private", "10.1.2.3", "unroutable"},
		{"ipv4 public", "12.1.2.3", "12.1.0.0"},
		{"6to4", "2002:0c01:0203::1", "12.1.0.0"},
		{"teredo", "2001:0:4136:e378:8000:63bf:f3fe:fdfc", "12.1.0.0"},
		{"rfc6052", "64:ff9b::0c01:0203", "12.1.0.0"},
		{"ipv6 public", "2620:100:abcd::1", "2620:100::"},
		{"he.net", "2001:470:1f10:a1::2", "2001:470:1000::"},
		{"tor", "fd87:d87e:eb43:1234::1", "tor:2"},
	}

	for _, test := range tests {
		na := NewNetAddressIPPort(net.ParseIP(test.ip), 9108, 0)
		if got := na.GroupKey(); got != test.want {
			t.Errorf("%s: got %q, want %q", test.name, got, test.want)
		}
	}
}
