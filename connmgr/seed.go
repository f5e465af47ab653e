// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrp2p/addrmgr"
)

const (
	// These constants are used by the DNS seed code to pick a random last
	// seen time.
	minSeedAge   = 3 * 24 * time.Hour
	seedAgeRange = 4 * 24 * time.Hour
)

// OnSeed is the signature of the callback function which is invoked when DNS
// seeding is successful.
type OnSeed func(addrs []*addrmgr.NetAddress)

// LookupFunc is the signature of the DNS lookup function.
type LookupFunc func(string) ([]net.IP, error)

// seedHost returns the host to query for the provided seed.  Seeds that
// support filtering are queried through the x<services> subdomain so only
// nodes advertising the required services are returned.
func seedHost(seed chaincfg.DNSSeed, reqServices wire.ServiceFlag) string {
	if seed.HasFiltering && reqServices != wire.SFNodeNetwork {
		return fmt.Sprintf("x%x.%s", uint64(reqServices), seed.Host)
	}
	return seed.Host
}

// seedAddresses converts the IPs returned by a seed into network addresses
// with a last seen time randomly selected between three and seven days ago.
func seedAddresses(ips []net.IP, port uint16, services wire.ServiceFlag, now time.Time) []*addrmgr.NetAddress {
	addrs := make([]*addrmgr.NetAddress, 0, len(ips))
	for _, ip := range ips {
		na := addrmgr.NewNetAddressIPPort(ip, port, services)
		age := minSeedAge + rand.Duration(seedAgeRange)
		na.Timestamp = now.Add(-age).Truncate(time.Second)
		addrs = append(addrs, na)
	}
	return addrs
}

// SeedFromDNS uses the DNS seeds of the provided network to discover peers
// advertising the required services.  Each seed is queried in its own
// goroutine and seedFn is invoked once per seed that returns addresses.  Seeds
// are not queried once the context is canceled.
func SeedFromDNS(ctx context.Context, params *chaincfg.Params, reqServices wire.ServiceFlag, lookupFn LookupFunc, seedFn OnSeed) {
	port, err := strconv.ParseUint(params.DefaultPort, 10, 16)
	if err != nil {
		log.Errorf("Invalid default port %q for %s: %v", params.DefaultPort,
			params.Name, err)
		return
	}

	for _, seed := range params.DNSSeeds {
		host := seedHost(seed, reqServices)
		go func(host string) {
			if ctx.Err() != nil {
				return
			}
			seedpeers, err := lookupFn(host)
			if err != nil {
				log.Infof("DNS discovery failed on seed %s: %v", host, err)
				return
			}
			numPeers := len(seedpeers)
			log.Infof("%d addresses found from DNS seed %s", numPeers, host)
			if numPeers == 0 || ctx.Err() != nil {
				return
			}

			seedFn(seedAddresses(seedpeers, uint16(port), reqServices,
				time.Now()))
		}(host)
	}
}
