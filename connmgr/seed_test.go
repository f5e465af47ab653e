// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
)

// TestSeedHost ensures filtering seeds are queried through the service bits
// subdomain only when services beyond a full node are required.
func TestSeedHost(t *testing.T) {
	tests := []struct {
		name     string
		seed     chaincfg.DNSSeed
		services wire.ServiceFlag
		want     string
	}{{
		name:     "filtering seed, full node",
		seed:     chaincfg.DNSSeed{Host: "seed.example.org", HasFiltering: true},
		services: wire.SFNodeNetwork,
		want:     "seed.example.org",
	}, {
		name:     "filtering seed, extra services",
		seed:     chaincfg.DNSSeed{Host: "seed.example.org", HasFiltering: true},
		services: wire.SFNodeNetwork | wire.SFNodeBloom,
		want:     "x3.seed.example.org",
	}, {
		name:     "non-filtering seed, extra services",
		seed:     chaincfg.DNSSeed{Host: "seed.example.org"},
		services: wire.SFNodeNetwork | wire.SFNodeBloom,
		want:     "seed.example.org",
	}}

	for _, test := range tests {
		if got := seedHost(test.seed, test.services); got != test.want {
			t.Errorf("%s: unexpected host -- got %q, want %q", test.name,
				got, test.want)
		}
	}
}

// TestSeedFromDNS ensures addresses returned by the lookup function are
// converted to network addresses with a last seen time three to seven days in
// the past and handed to the seed callback.
func TestSeedFromDNS(t *testing.T) {
	params := chaincfg.MainNetParams()
	ips := []net.IP{net.ParseIP("1.2.3.4"), net.ParseIP("2001:db8::1")}
	lookup := func(host string) ([]net.IP, error) {
		if host == params.DNSSeeds[0].Host {
			return nil, errors.New("lookup failed")
		}
		return ips, nil
	}
	seeded := make(chan []*addrmgr.NetAddress, len(params.DNSSeeds))
	onSeed := func(addrs []*addrmgr.NetAddress) {
		seeded <- addrs
	}

	now := time.Now()
	SeedFromDNS(context.Background(), params, wire.SFNodeNetwork, lookup,
		onSeed)
	for i := 1; i < len(params.DNSSeeds); i++ {
		var addrs []*addrmgr.NetAddress
		select {
		case addrs = <-seeded:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for seeded addresses")
		}
		if len(addrs) != len(ips) {
			t.Fatalf("unexpected number of addresses -- got %d, want %d",
				len(addrs), len(ips))
		}
		for j, na := range addrs {
			if !na.IP.Equal(ips[j]) || na.Port != 9108 {
				t.Fatalf("unexpected address %v", na)
			}
			age := now.Sub(na.Timestamp)
			if age < minSeedAge-time.Second ||
				age > minSeedAge+seedAgeRange+time.Second {
				t.Fatalf("unexpected address age %v", age)
			}
		}
	}
	select {
	case <-seeded:
		t.Fatal("failed seed invoked callback")
	case <-time.After(time.Millisecond * 10):
	}
}
